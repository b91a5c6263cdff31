package grpc

import (
	"context"
	"errors"
	"io"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// IntakeClient calls changeflow.v1.Intake.
type IntakeClient struct {
	cc grpc.ClientConnInterface
}

// NewIntakeClient creates an IntakeClient on cc.
func NewIntakeClient(cc grpc.ClientConnInterface) *IntakeClient {
	return &IntakeClient{cc: cc}
}

// Submit runs req and returns the result fields.
func (c *IntakeClient) Submit(ctx context.Context, req *envelope.InboundRequest, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := RequestToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SubmitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Stream runs req, calling onStage for every stage event, and returns the
// final result event.
func (c *IntakeClient) Stream(ctx context.Context, req *envelope.InboundRequest, onStage func(map[string]any), opts ...grpc.CallOption) (map[string]any, error) {
	in, err := RequestToStruct(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &IntakeServiceDesc.Streams[0], StreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var result map[string]any
	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		event := msg.AsMap()
		if event["type"] == EventResult {
			result = event
			continue
		}
		if onStage != nil {
			onStage(event)
		}
	}
	if result == nil {
		return nil, errors.New("stream ended without a result")
	}
	return result, nil
}
