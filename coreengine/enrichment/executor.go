package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
)

// Executor runs a plan's actions against the request ledger.
//
// Every action yields exactly one GatheredInformation in plan order. A
// failed or denied action yields a record with no answer and an entry in
// the error list; it never stops the remaining actions.
type Executor struct {
	Tools      tools.ToolRegistry
	Extractors *Extractors
	// Concurrency above 1 runs actions in parallel. The ledger admits calls
	// atomically, so a tool never runs past its cap.
	Concurrency int
	// ActionTimeout bounds each tool call. Zero means no timeout.
	ActionTimeout time.Duration
	Logger        Logger
}

// NewExecutor creates a sequential Executor with the built-in extractors.
func NewExecutor(registry tools.ToolRegistry, logger Logger) *Executor {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Executor{
		Tools:         registry,
		Extractors:    NewExtractors(),
		Concurrency:   1,
		ActionTimeout: 30 * time.Second,
		Logger:        logger,
	}
}

type actionOutcome struct {
	info GatheredInformation
	used bool
	err  string
}

// Execute runs plan and returns the records, the distinct tools that
// succeeded and the per-action errors.
func (e *Executor) Execute(ctx context.Context, plan *Plan, ledger *tools.Ledger) ([]GatheredInformation, []string, []string) {
	if plan.IsEmpty() {
		return []GatheredInformation{}, []string{}, []string{}
	}

	outcomes := make([]actionOutcome, len(plan.Actions))
	if e.Concurrency <= 1 {
		for i, action := range plan.Actions {
			outcomes[i] = e.runAction(ctx, action, ledger)
		}
	} else {
		sem := make(chan struct{}, e.Concurrency)
		var wg sync.WaitGroup
		for i, action := range plan.Actions {
			wg.Add(1)
			go func(idx int, a ToolAction) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcomes[idx] = e.runAction(ctx, a, ledger)
			}(i, action)
		}
		wg.Wait()
	}

	gathered := make([]GatheredInformation, 0, len(outcomes))
	errs := make([]string, 0)
	usedSet := make(map[string]struct{})
	for _, o := range outcomes {
		gathered = append(gathered, o.info)
		if o.err != "" {
			errs = append(errs, o.err)
		}
		if o.used {
			usedSet[o.info.Source] = struct{}{}
		}
	}
	used := make([]string, 0, len(usedSet))
	for name := range usedSet {
		used = append(used, name)
	}
	sort.Strings(used)
	return gathered, used, errs
}

func (e *Executor) runAction(ctx context.Context, action ToolAction, ledger *tools.Ledger) actionOutcome {
	failed := GatheredInformation{
		Question:   action.Question,
		Source:     action.Tool,
		Confidence: 0,
	}

	callCtx := ctx
	if e.ActionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.ActionTimeout)
		defer cancel()
	}

	result, err := e.Tools.ExecuteWithLedger(callCtx, ledger, action.Tool, action.Params)
	if err != nil {
		failed.Raw = map[string]any{"error": err.Error()}
		if url, ok := action.Params["url"].(string); ok {
			failed.SourceURL = url
		}
		switch {
		case tools.IsBudgetExceeded(err):
			e.Logger.Warn("tool_budget_exceeded", "tool", action.Tool, "question", action.Question)
			return actionOutcome{info: failed, err: fmt.Sprintf("%s: %v", action.Tool, err)}
		case errors.Is(err, context.DeadlineExceeded):
			e.Logger.Warn("tool_timeout", "tool", action.Tool, "timeout", e.ActionTimeout.String())
			return actionOutcome{info: failed, err: fmt.Sprintf("%s failed: timed out", action.Tool)}
		default:
			e.Logger.Warn("tool_failed", "tool", action.Tool, "error", err.Error())
			return actionOutcome{info: failed, err: fmt.Sprintf("%s failed: %v", action.Tool, err)}
		}
	}

	info := e.Extractors.Extract(action, result)
	e.Logger.Debug("tool_answer_extracted",
		"tool", action.Tool,
		"answered", info.Answered(),
		"confidence", info.Confidence,
	)
	return actionOutcome{info: info, used: true}
}
