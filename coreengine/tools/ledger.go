package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBudgetExceeded is returned when a tool has no calls left in the ledger.
var ErrBudgetExceeded = errors.New("tool budget exceeded")

// Tool names known to the default budget table.
const (
	ToolWebFetch             = "web_fetch"
	ToolWebSearch            = "web_search"
	ToolImageAnalysis        = "image_analysis"
	ToolPDFExtract           = "pdf_extract"
	ToolFormDetector         = "form_detector"
	ToolSocialMediaFinder    = "social_media_finder"
	ToolSEOAudit             = "seo_audit"
	ToolGoogleMapsScraper    = "google_maps_scraper"
	ToolGoogleReviewsScraper = "google_reviews_scraper"
)

// DefaultToolCap applies to tools missing from the budget table.
const DefaultToolCap = 1

// DefaultBudgets returns the per-request call caps for the known tools.
func DefaultBudgets() map[string]int {
	return map[string]int{
		ToolWebFetch:             5,
		ToolWebSearch:            3,
		ToolImageAnalysis:        3,
		ToolPDFExtract:           2,
		ToolFormDetector:         3,
		ToolSocialMediaFinder:    2,
		ToolSEOAudit:             1,
		ToolGoogleMapsScraper:    1,
		ToolGoogleReviewsScraper: 1,
	}
}

// Usage is the call count and cap of one tool.
type Usage struct {
	Calls int `json:"calls"`
	Cap   int `json:"cap"`
}

// Ledger caps how many times each tool may be invoked within one request.
//
// Calls are admitted through Reserve, so concurrent callers of the same tool
// can never run past its cap: a reservation holds a slot until it is
// committed or released.
type Ledger struct {
	mu         sync.Mutex
	caps       map[string]int
	calls      map[string]int
	inflight   map[string]int
	defaultCap int
}

// NewLedger creates a ledger with the given caps. A nil map uses DefaultBudgets.
func NewLedger(caps map[string]int, defaultCap int) *Ledger {
	if caps == nil {
		caps = DefaultBudgets()
	}
	if defaultCap < 0 {
		defaultCap = 0
	}
	copied := make(map[string]int, len(caps))
	for k, v := range caps {
		copied[k] = v
	}
	return &Ledger{
		caps:       copied,
		calls:      make(map[string]int),
		inflight:   make(map[string]int),
		defaultCap: defaultCap,
	}
}

// NewDefaultLedger creates a ledger with the default budget table.
func NewDefaultLedger() *Ledger {
	return NewLedger(nil, DefaultToolCap)
}

func (l *Ledger) capLocked(tool string) int {
	if c, ok := l.caps[tool]; ok {
		return c
	}
	return l.defaultCap
}

// Cap returns the call cap for a tool.
func (l *Ledger) Cap(tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capLocked(tool)
}

// Calls returns the number of committed calls for a tool.
func (l *Ledger) Calls(tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[tool]
}

// Remaining returns how many more calls a tool may start.
func (l *Ledger) Remaining(tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.capLocked(tool) - l.calls[tool] - l.inflight[tool]
	if r < 0 {
		return 0
	}
	return r
}

// CanUse reports whether another call of the tool would be admitted.
func (l *Ledger) CanUse(tool string) bool {
	return l.Remaining(tool) > 0
}

// Reserve admits one call of the tool or returns ErrBudgetExceeded.
func (l *Ledger) Reserve(tool string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.capLocked(tool)
	used := l.calls[tool] + l.inflight[tool]
	if used >= limit {
		return nil, fmt.Errorf("%w: %s (%d/%d)", ErrBudgetExceeded, tool, l.calls[tool], limit)
	}
	l.inflight[tool]++
	return &Reservation{ledger: l, tool: tool}, nil
}

// Record commits one call without a prior reservation. It fails when the
// tool is already at its cap.
func (l *Ledger) Record(tool string) error {
	r, err := l.Reserve(tool)
	if err != nil {
		return err
	}
	r.Commit()
	return nil
}

// Stats returns usage for every tool with a cap or a recorded call.
func (l *Ledger) Stats() map[string]Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := make(map[string]Usage, len(l.caps))
	for tool, c := range l.caps {
		stats[tool] = Usage{Calls: l.calls[tool], Cap: c}
	}
	for tool, n := range l.calls {
		if _, ok := stats[tool]; !ok {
			stats[tool] = Usage{Calls: n, Cap: l.defaultCap}
		}
	}
	return stats
}

// Available returns the tools from names that still have budget, in the given order.
func (l *Ledger) Available(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if l.CanUse(n) {
			out = append(out, n)
		}
	}
	return out
}

// ToMap renders the ledger for state snapshots.
func (l *Ledger) ToMap() map[string]any {
	stats := l.Stats()
	names := make([]string, 0, len(stats))
	for n := range stats {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]any, len(stats))
	for _, n := range names {
		out[n] = map[string]any{"calls": stats[n].Calls, "cap": stats[n].Cap}
	}
	return out
}

// Clone copies committed counts and caps. In-flight reservations are not carried over.
func (l *Ledger) Clone() *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := NewLedger(l.caps, l.defaultCap)
	for k, v := range l.calls {
		clone.calls[k] = v
	}
	return clone
}

// Reservation is one admitted call slot.
type Reservation struct {
	ledger *Ledger
	tool   string
	once   sync.Once
}

// Tool returns the reserved tool name.
func (r *Reservation) Tool() string {
	return r.tool
}

// Commit counts the call against the tool's budget.
func (r *Reservation) Commit() {
	r.once.Do(func() {
		r.ledger.mu.Lock()
		defer r.ledger.mu.Unlock()
		r.ledger.inflight[r.tool]--
		r.ledger.calls[r.tool]++
	})
}

// Release gives the slot back without counting a call.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.ledger.mu.Lock()
		defer r.ledger.mu.Unlock()
		r.ledger.inflight[r.tool]--
	})
}
