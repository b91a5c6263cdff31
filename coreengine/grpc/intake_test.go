package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeRunner finalizes every valid request after the four happy-path stages.
type fakeRunner struct {
	err  error
	seen []*envelope.InboundRequest
}

var happyStages = []envelope.Stage{
	envelope.StageValidating,
	envelope.StageGenerating,
	envelope.StageEvaluating,
	envelope.StageFinalizing,
}

func (f *fakeRunner) finished(req *envelope.InboundRequest) *envelope.RequestContext {
	rc := envelope.NewRequestContext(req, nil, envelope.Bounds{MaxIterations: 3})
	rc.Iteration = 1
	rc.AddHistory("Plan approved on iteration %d", 1)
	rc.Task = &commbus.TaskRef{ID: "abc123", URL: "https://app.clickup.com/t/abc123"}
	rc.CurrentStage = envelope.StageEnd
	rc.Terminate(envelope.OutcomeFinalized, envelope.TerminalReasonCompletedSuccessfully, "")
	return rc
}

func (f *fakeRunner) Run(ctx context.Context, req *envelope.InboundRequest) (*envelope.RequestContext, error) {
	f.seen = append(f.seen, req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rc := f.finished(req)
	return rc, f.err
}

func (f *fakeRunner) RunWithStream(ctx context.Context, req *envelope.InboundRequest) (<-chan runtime.StageOutput, <-chan runtime.RunResult, error) {
	f.seen = append(f.seen, req)
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	outputs := make(chan runtime.StageOutput, len(happyStages))
	done := make(chan runtime.RunResult, 1)
	for i, stage := range happyStages {
		next := envelope.StageEnd
		if i+1 < len(happyStages) {
			next = happyStages[i+1]
		}
		outputs <- runtime.StageOutput{Stage: stage, Next: next}
	}
	close(outputs)
	done <- runtime.RunResult{Context: f.finished(req), Err: f.err}
	close(done)
	return outputs, done, nil
}

func startServer(t *testing.T, runner Runner) (*IntakeClient, *grpc.ClientConn) {
	t.Helper()
	logger, _ := observability.NewObservedLogger()
	lis := bufconn.Listen(1 << 20)
	srv := NewGracefulServer(NewIntakeServer(runner, logger), "bufnet", logger)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return NewIntakeClient(conn), conn
}

var validRequest = &envelope.InboundRequest{
	ClientID:      "https://www.acme.test/",
	RequestText:   "Add a Services button below the hero",
	Priority:      "high",
	AttachmentIDs: []string{"acme/brand.pdf"},
}

func TestSubmit(t *testing.T) {
	runner := &fakeRunner{}
	client, _ := startServer(t, runner)

	result, err := client.Submit(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, "processed", result["status"])
	assert.Equal(t, "finalized", result["outcome"])
	assert.Equal(t, "completed_successfully", result["terminal_reason"])
	assert.Equal(t, "acme.test", result["client_id"])
	assert.Equal(t, "abc123", result["task_id"])
	assert.Equal(t, []any{"Plan approved on iteration 1"}, result["history"])
	assert.Equal(t, float64(1), result["iterations"])

	require.Len(t, runner.seen, 1)
	assert.Equal(t, validRequest, runner.seen[0])
}

func TestSubmit_InvalidRequest(t *testing.T) {
	client, _ := startServer(t, &fakeRunner{})

	_, err := client.Submit(context.Background(), &envelope.InboundRequest{RequestText: "no client"})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "client_id")
}

func TestSubmit_PipelineErrorIsGeneric(t *testing.T) {
	client, _ := startServer(t, &fakeRunner{err: errors.New("prompt store: dial tcp 10.0.0.3:443")})

	_, err := client.Submit(context.Background(), validRequest)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, "pipeline failed", status.Convert(err).Message())
}

func TestSubmit_RawStruct(t *testing.T) {
	_, conn := startServer(t, &fakeRunner{})

	in, err := structpb.NewStruct(map[string]any{
		"client_id":      "acme.test",
		"request_text":   "Change the footer colour",
		"attachment_ids": []any{"a", 7},
	})
	require.NoError(t, err)
	out := new(structpb.Struct)

	// A mistyped attachment list is dropped rather than rejected.
	require.NoError(t, conn.Invoke(context.Background(), SubmitMethod, in, out))
	assert.Equal(t, "finalized", out.AsMap()["outcome"])
}

func TestStream(t *testing.T) {
	client, _ := startServer(t, &fakeRunner{})

	var stages []string
	result, err := client.Stream(context.Background(), validRequest, func(event map[string]any) {
		assert.Equal(t, EventStage, event["type"])
		stages = append(stages, event["stage"].(string))
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"validating", "generating", "evaluating", "finalizing"}, stages)
	assert.Equal(t, EventResult, result["type"])
	assert.Equal(t, "finalized", result["outcome"])
}

func TestStream_InvalidRequest(t *testing.T) {
	client, _ := startServer(t, &fakeRunner{})

	_, err := client.Stream(context.Background(), &envelope.InboundRequest{ClientID: "acme.test", Priority: "whenever"}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealth(t *testing.T) {
	_, conn := startServer(t, &fakeRunner{})
	health := healthpb.NewHealthClient(conn)

	for _, service := range []string{"", IntakeServiceName} {
		resp, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}
}

func TestRequestStructRoundTrip(t *testing.T) {
	s, err := RequestToStruct(validRequest)
	require.NoError(t, err)
	assert.Equal(t, validRequest, RequestFromStruct(s))

	empty := RequestFromStruct(&structpb.Struct{})
	assert.Equal(t, &envelope.InboundRequest{}, empty)
}

func TestToStatus(t *testing.T) {
	logger, logs := observability.NewObservedLogger()
	s := NewIntakeServer(&fakeRunner{}, logger)
	req := &envelope.InboundRequest{ClientID: "acme.test"}

	assert.Equal(t, codes.Canceled, status.Code(s.toStatus("submit", req, context.Canceled)))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(s.toStatus("submit", req, context.DeadlineExceeded)))
	assert.Equal(t, 0, logs.Len())

	assert.Equal(t, codes.Internal, status.Code(s.toStatus("submit", req, errors.New("boom"))))
	assert.Equal(t, 1, logs.FilterMessage("grpc_pipeline_failed").Len())
}
