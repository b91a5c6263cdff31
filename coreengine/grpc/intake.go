// Package grpc serves the intake pipeline over gRPC.
//
// The Intake service has no generated stubs: requests and responses are
// google.protobuf.Struct values carrying the same fields as the webhook
// JSON, and the service descriptor is declared by hand.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/runtime"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Intake service and method names.
const (
	IntakeServiceName = "changeflow.v1.Intake"
	SubmitMethod      = "/" + IntakeServiceName + "/Submit"
	StreamMethod      = "/" + IntakeServiceName + "/Stream"
)

// Stream event types.
const (
	EventStage  = "stage"
	EventResult = "result"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Runner runs inbound requests through the pipeline.
type Runner interface {
	Run(ctx context.Context, req *envelope.InboundRequest) (*envelope.RequestContext, error)
	RunWithStream(ctx context.Context, req *envelope.InboundRequest) (<-chan runtime.StageOutput, <-chan runtime.RunResult, error)
}

// IntakeService is the server API of changeflow.v1.Intake.
type IntakeService interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stream(req *structpb.Struct, stream grpc.ServerStream) error
}

// IntakeServer implements IntakeService on a Runner.
type IntakeServer struct {
	runner Runner
	logger Logger
}

// NewIntakeServer creates an IntakeServer.
func NewIntakeServer(runner Runner, logger Logger) *IntakeServer {
	return &IntakeServer{runner: runner, logger: logger}
}

// Submit runs one request to completion and returns its result.
func (s *IntakeServer) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	inbound := RequestFromStruct(req)
	rc, err := s.runner.Run(ctx, inbound)
	if err != nil {
		return nil, s.toStatus("submit", inbound, err)
	}
	result := rc.ToResultDict()
	result["status"] = "processed"
	return toStruct(result)
}

// Stream runs one request and sends a stage event after every node, then a
// final result event.
func (s *IntakeServer) Stream(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	inbound := RequestFromStruct(req)
	outputs, done, err := s.runner.RunWithStream(ctx, inbound)
	if err != nil {
		return s.toStatus("stream", inbound, err)
	}

	for out := range outputs {
		event := map[string]any{
			"type":  EventStage,
			"stage": string(out.Stage),
			"next":  string(out.Next),
		}
		if out.Error != nil {
			event["error"] = out.Error.Error()
		}
		msg, err := toStruct(event)
		if err != nil {
			return status.Error(codes.Internal, "encode stage event")
		}
		if err := stream.SendMsg(msg); err != nil {
			// The run keeps draining; the client is gone.
			s.logger.Warn("grpc_stream_send_failed", "error", err.Error())
			for range outputs {
			}
			break
		}
	}

	res := <-done
	if res.Err != nil {
		return s.toStatus("stream", inbound, res.Err)
	}
	result := res.Context.ToResultDict()
	result["type"] = EventResult
	result["status"] = "processed"
	msg, err := toStruct(result)
	if err != nil {
		return status.Error(codes.Internal, "encode result")
	}
	return stream.SendMsg(msg)
}

func (s *IntakeServer) toStatus(op string, req *envelope.InboundRequest, err error) error {
	switch {
	case errors.Is(err, envelope.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request deadline exceeded")
	}
	s.logger.Error("grpc_pipeline_failed", "op", op, "client_id", req.ClientID, "error", err.Error())
	return status.Error(codes.Internal, "pipeline failed")
}

// =============================================================================
// STRUCT CONVERSION
// =============================================================================

// RequestFromStruct reads an InboundRequest from its Struct form. Missing
// and mistyped fields are left empty for validation to report.
func RequestFromStruct(s *structpb.Struct) *envelope.InboundRequest {
	m := s.AsMap()
	return &envelope.InboundRequest{
		ClientID:      typeutil.SafeStringDefault(m["client_id"], ""),
		RequestText:   typeutil.SafeStringDefault(m["request_text"], ""),
		Priority:      typeutil.SafeStringDefault(m["priority"], ""),
		CategoryHint:  typeutil.SafeStringDefault(m["category_hint"], ""),
		AttachmentIDs: typeutil.SafeStringSliceDefault(m["attachment_ids"], nil),
	}
}

// RequestToStruct is the inverse of RequestFromStruct.
func RequestToStruct(req *envelope.InboundRequest) (*structpb.Struct, error) {
	return toStruct(req)
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode struct: %w", err)
	}
	return s, nil
}

// =============================================================================
// SERVICE DESCRIPTOR
// =============================================================================

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntakeService).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntakeService).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(IntakeService).Stream(in, stream)
}

// IntakeServiceDesc describes changeflow.v1.Intake for grpc.Server.RegisterService.
var IntakeServiceDesc = grpc.ServiceDesc{
	ServiceName: IntakeServiceName,
	HandlerType: (*IntakeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Stream", Handler: streamHandler, ServerStreams: true},
	},
	Metadata: "changeflow/v1/intake.proto",
}

// RegisterIntakeServer registers srv on s.
func RegisterIntakeServer(s grpc.ServiceRegistrar, srv IntakeService) {
	s.RegisterService(&IntakeServiceDesc, srv)
}

var _ IntakeService = (*IntakeServer)(nil)
var _ Runner = (*runtime.PipelineRunner)(nil)
