package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(time.Second, nil)
}

func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (m *abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

type trackingMiddleware struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

// =============================================================================
// PUBLISH TESTS
// =============================================================================

func TestPublish_FanOut(t *testing.T) {
	// Test every subscriber receives the event.
	bus := newTestBus()
	var count int32
	bus.Subscribe("StageCompleted", countingHandler(&count))
	bus.Subscribe("StageCompleted", countingHandler(&count))

	err := bus.Publish(context.Background(), &StageCompleted{RequestID: "r1", Stage: "validating"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestPublish_SubscriberErrorDoesNotPropagate(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe("RequestEscalated", failingHandler("sink down"))
	bus.Subscribe("RequestEscalated", countingHandler(&count))

	err := bus.Publish(context.Background(), &RequestEscalated{RequestID: "r1", Reason: "stalled"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), &RequestReceived{RequestID: "r1"}))
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	// Test unsubscribe removes only its own handler.
	bus := newTestBus()
	var first, second int32
	unsubscribe := bus.Subscribe("StageCompleted", countingHandler(&first))
	bus.Subscribe("StageCompleted", countingHandler(&second))

	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), &StageCompleted{}))

	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.Len(t, bus.GetSubscribers("StageCompleted"), 1)

	// Calling twice is harmless.
	unsubscribe()
	assert.Len(t, bus.GetSubscribers("StageCompleted"), 1)
}

// =============================================================================
// QUERY / COMMAND TESTS
// =============================================================================

func TestQuerySync_ReturnsHandlerResult(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetToolBudgets", func(ctx context.Context, msg Message) (any, error) {
		return &ToolBudgetsResponse{Budgets: map[string]int{"web_fetch": 5}}, nil
	}))

	result, err := bus.QuerySync(context.Background(), &GetToolBudgets{})
	require.NoError(t, err)
	resp, ok := result.(*ToolBudgetsResponse)
	require.True(t, ok)
	assert.Equal(t, 5, resp.Budgets["web_fetch"])
}

func TestQuerySync_NoHandler(t *testing.T) {
	bus := newTestBus()
	_, err := bus.QuerySync(context.Background(), &GetToolBudgets{})

	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "GetToolBudgets", noHandler.MessageType)
}

func TestQuerySync_Timeout(t *testing.T) {
	bus := NewInMemoryCommBus(20*time.Millisecond, nil)
	require.NoError(t, bus.RegisterHandler("GetToolBudgets", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetToolBudgets{})
	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
}

func TestRegisterHandler_Duplicate(t *testing.T) {
	bus := newTestBus()
	var count int32
	require.NoError(t, bus.RegisterHandler("GetToolBudgets", countingHandler(&count)))

	err := bus.RegisterHandler("GetToolBudgets", countingHandler(&count))
	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.True(t, bus.HasHandler("GetToolBudgets"))
}

func TestSend_ReturnsHandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestFinalized", failingHandler("boom")))

	err := bus.Send(context.Background(), &RequestFinalized{RequestID: "r1"})
	assert.EqualError(t, err, "boom")

	// Unknown commands are dropped.
	assert.NoError(t, bus.Send(context.Background(), &RequestEscalated{}))
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddleware_Order(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{name: "a", order: &order, mu: &mu})
	bus.AddMiddleware(&trackingMiddleware{name: "b", order: &order, mu: &mu})
	var count int32
	bus.Subscribe("StageCompleted", countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), &StageCompleted{}))
	assert.Equal(t, []string{"a-before", "b-before", "b-after", "a-after"}, order)
}

func TestMiddleware_Abort(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&abortingMiddleware{})
	var count int32
	bus.Subscribe("StageCompleted", countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), &StageCompleted{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	// Test the circuit opens after the threshold and half-opens after the reset timeout.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakerMiddleware(2, time.Minute, nil, nil)
	cb.now = func() time.Time { return now }

	bus := newTestBus()
	bus.AddMiddleware(cb)
	var calls int32
	bus.Subscribe("EvaluationCompleted", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("sink down")
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, &EvaluationCompleted{}))
	require.NoError(t, bus.Publish(ctx, &EvaluationCompleted{}))
	assert.Equal(t, CircuitOpen, cb.GetStates()["EvaluationCompleted"])

	require.NoError(t, bus.Publish(ctx, &EvaluationCompleted{}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open circuit blocks delivery")

	now = now.Add(2 * time.Minute)
	require.NoError(t, bus.Publish(ctx, &EvaluationCompleted{}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, CircuitOpen, cb.GetStates()["EvaluationCompleted"], "failure in half-open reopens")

	cb.Reset("")
	assert.Empty(t, cb.GetStates())
}

func TestCircuitBreaker_ExcludedTypes(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, time.Minute, []string{"StageCompleted"}, nil)
	msg, err := cb.Before(context.Background(), &StageCompleted{})
	require.NoError(t, err)
	assert.NotNil(t, msg)

	_, _ = cb.After(context.Background(), &StageCompleted{}, nil, errors.New("x"))
	assert.Empty(t, cb.GetStates())
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestCollaboratorError(t *testing.T) {
	cause := errors.New("503 from tracker")
	err := NewCollaboratorError("tracker", "create_task", cause)

	assert.ErrorIs(t, err, ErrCollaborator)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "tracker create_task: 503 from tracker", err.Error())

	wrapped := errors.Join(errors.New("push"), err)
	assert.ErrorIs(t, wrapped, ErrCollaborator)
}
