package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// PersistenceAdapter handles state persistence. SaveState is called after
// every node with the request's state snapshot.
type PersistenceAdapter interface {
	SaveState(ctx context.Context, requestID string, state map[string]any) error
}

// StateLoader is implemented by adapters that can read snapshots back.
type StateLoader interface {
	LoadState(ctx context.Context, requestID string) (map[string]any, error)
}

// JSONLinesPersistence appends one JSON object per snapshot to a writer.
// The latest snapshot per request is also kept in memory for LoadState.
type JSONLinesPersistence struct {
	w      io.Writer
	enc    *json.Encoder
	latest map[string]map[string]any
	mu     sync.Mutex
}

// NewJSONLinesPersistence creates a JSONLinesPersistence writing to w.
func NewJSONLinesPersistence(w io.Writer) *JSONLinesPersistence {
	return &JSONLinesPersistence{
		w:      w,
		enc:    json.NewEncoder(w),
		latest: make(map[string]map[string]any),
	}
}

type stateLine struct {
	RequestID string         `json:"request_id"`
	SavedAt   time.Time      `json:"saved_at"`
	State     map[string]any `json:"state"`
}

// SaveState implements PersistenceAdapter.
func (p *JSONLinesPersistence) SaveState(ctx context.Context, requestID string, state map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enc.Encode(stateLine{RequestID: requestID, SavedAt: time.Now().UTC(), State: state}); err != nil {
		return fmt.Errorf("write state for %s: %w", requestID, err)
	}
	p.latest[requestID] = state
	return nil
}

// LoadState implements StateLoader. It returns nil for an unknown request.
func (p *JSONLinesPersistence) LoadState(_ context.Context, requestID string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest[requestID], nil
}

var (
	_ PersistenceAdapter = (*JSONLinesPersistence)(nil)
	_ StateLoader        = (*JSONLinesPersistence)(nil)
)
