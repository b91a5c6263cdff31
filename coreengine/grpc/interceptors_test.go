package grpc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// TestLogger captures log calls for verification.
type TestLogger struct {
	mu         sync.Mutex
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) record(calls *[]map[string]any, msg string, keysAndValues []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*calls = append(*calls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) { l.record(&l.debugCalls, msg, keysAndValues) }
func (l *TestLogger) Info(msg string, keysAndValues ...any)  { l.record(&l.infoCalls, msg, keysAndValues) }
func (l *TestLogger) Warn(msg string, keysAndValues ...any)  { l.record(&l.warnCalls, msg, keysAndValues) }
func (l *TestLogger) Error(msg string, keysAndValues ...any) { l.record(&l.errorCalls, msg, keysAndValues) }

func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// mockServerStream implements grpc.ServerStream for testing
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

var unaryInfo = &grpc.UnaryServerInfo{FullMethod: SubmitMethod}
var streamInfo = &grpc.StreamServerInfo{FullMethod: StreamMethod, IsServerStream: true}

// =============================================================================
// LOGGING
// =============================================================================

func TestLoggingInterceptor_Success(t *testing.T) {
	logger := &TestLogger{}
	handler := func(ctx context.Context, req any) (any, error) { return "response", nil }

	resp, err := LoggingInterceptor(logger)(context.Background(), "request", unaryInfo, handler)

	require.NoError(t, err)
	assert.Equal(t, "response", resp)
	require.Len(t, logger.debugCalls, 1)
	assert.Equal(t, "grpc_request_completed", logger.debugCalls[0]["msg"])
	assert.Equal(t, SubmitMethod, logger.debugCalls[0]["method"])
	assert.Empty(t, logger.errorCalls)
}

func TestLoggingInterceptor_Levels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		warn  int
		error int
	}{
		{"invalid argument is a warning", status.Error(codes.InvalidArgument, "client_id is required"), 1, 0},
		{"cancelled is a warning", status.Error(codes.Canceled, "gone"), 1, 0},
		{"internal is an error", status.Error(codes.Internal, "pipeline failed"), 0, 1},
		{"plain error is an error", errors.New("boom"), 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &TestLogger{}
			handler := func(ctx context.Context, req any) (any, error) { return nil, tt.err }

			_, err := LoggingInterceptor(logger)(context.Background(), "request", unaryInfo, handler)

			assert.Equal(t, tt.err, err)
			assert.Len(t, logger.warnCalls, tt.warn)
			assert.Len(t, logger.errorCalls, tt.error)
		})
	}
}

func TestStreamLoggingInterceptor(t *testing.T) {
	logger := &TestLogger{}
	ok := func(srv any, stream grpc.ServerStream) error { return nil }
	fail := func(srv any, stream grpc.ServerStream) error { return status.Error(codes.Internal, "stream error") }
	stream := &mockServerStream{}

	require.NoError(t, StreamLoggingInterceptor(logger)(nil, stream, streamInfo, ok))
	require.Error(t, StreamLoggingInterceptor(logger)(nil, stream, streamInfo, fail))

	require.Len(t, logger.debugCalls, 1)
	assert.Equal(t, "grpc_stream_completed", logger.debugCalls[0]["msg"])
	require.Len(t, logger.errorCalls, 1)
	assert.Equal(t, "grpc_stream_failed", logger.errorCalls[0]["msg"])
	assert.Equal(t, "Internal", logger.errorCalls[0]["code"])
}

// =============================================================================
// RECOVERY
// =============================================================================

func TestRecoveryInterceptor_NoPanic(t *testing.T) {
	logger := &TestLogger{}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	resp, err := RecoveryInterceptor(logger, nil)(context.Background(), nil, unaryInfo, handler)

	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Empty(t, logger.errorCalls)
}

func TestRecoveryInterceptor_Panic(t *testing.T) {
	logger := &TestLogger{}
	handler := func(ctx context.Context, req any) (any, error) { panic("secret detail") }

	resp, err := RecoveryInterceptor(logger, nil)(context.Background(), nil, unaryInfo, handler)

	assert.Nil(t, resp)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.NotContains(t, st.Message(), "secret detail")

	require.Len(t, logger.errorCalls, 1)
	assert.Equal(t, "grpc_panic_recovered", logger.errorCalls[0]["msg"])
	assert.Equal(t, "secret detail", logger.errorCalls[0]["panic"])
	assert.NotEmpty(t, logger.errorCalls[0]["stack"])
}

func TestRecoveryInterceptor_CustomHandler(t *testing.T) {
	custom := func(p any) error { return status.Errorf(codes.Unavailable, "recovered: %v", p) }
	handler := func(ctx context.Context, req any) (any, error) { panic("x") }

	_, err := RecoveryInterceptor(&TestLogger{}, custom)(context.Background(), nil, unaryInfo, handler)

	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStreamRecoveryInterceptor(t *testing.T) {
	logger := &TestLogger{}
	handler := func(srv any, stream grpc.ServerStream) error { panic("stream panic") }

	err := StreamRecoveryInterceptor(logger, nil)(nil, &mockServerStream{}, streamInfo, handler)

	assert.Equal(t, codes.Internal, status.Code(err))
	require.Len(t, logger.errorCalls, 1)
	assert.Equal(t, "grpc_stream_panic_recovered", logger.errorCalls[0]["msg"])
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetricsInterceptor_PassesThrough(t *testing.T) {
	for _, code := range []codes.Code{codes.OK, codes.InvalidArgument, codes.Internal, codes.Unavailable} {
		t.Run(code.String(), func(t *testing.T) {
			handler := func(ctx context.Context, req any) (any, error) {
				if code == codes.OK {
					return "ok", nil
				}
				return nil, status.Error(code, "error")
			}

			_, err := MetricsInterceptor()(context.Background(), "request", unaryInfo, handler)
			assert.Equal(t, code, status.Code(err))
		})
	}
}

func TestStreamMetricsInterceptor_PassesThrough(t *testing.T) {
	handler := func(srv any, stream grpc.ServerStream) error {
		return status.Error(codes.DeadlineExceeded, "slow")
	}
	err := StreamMetricsInterceptor()(nil, &mockServerStream{}, streamInfo, handler)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestServerOptions(t *testing.T) {
	opts := ServerOptions(&TestLogger{})
	assert.Len(t, opts, 3)
}
