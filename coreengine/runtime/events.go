package runtime

import (
	"context"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
)

// publish sends a pipeline event. Bus failures are logged and never fail
// the request.
func (r *PipelineRunner) publish(ctx context.Context, logger Logger, event commbus.Message) {
	if r.Bus == nil {
		return
	}
	if err := r.Bus.Publish(ctx, event); err != nil {
		logger.Warn("event_publish_failed",
			"event", commbus.GetMessageType(event),
			"error", err.Error(),
		)
	}
}

// RegisterHandlers registers the runner's query handlers on bus.
func (r *PipelineRunner) RegisterHandlers(bus commbus.CommBus) error {
	return bus.RegisterHandler("GetToolBudgets", func(ctx context.Context, _ commbus.Message) (any, error) {
		budgets := make(map[string]int, len(r.Policy.ToolBudgets))
		for tool, budget := range r.Policy.ToolBudgets {
			budgets[tool] = budget
		}
		return &commbus.ToolBudgetsResponse{Budgets: budgets}, nil
	})
}

// SubscribeMetrics records stage and escalation metrics from pipeline
// events. The returned function unsubscribes.
func SubscribeMetrics(bus commbus.CommBus) func() {
	unsubStage := bus.Subscribe("StageCompleted", func(_ context.Context, msg commbus.Message) (any, error) {
		if e, ok := msg.(*commbus.StageCompleted); ok {
			observability.RecordStageExecution(e.Stage, e.Status, e.DurationMS)
		}
		return nil, nil
	})
	unsubEscalated := bus.Subscribe("RequestEscalated", func(_ context.Context, msg commbus.Message) (any, error) {
		if e, ok := msg.(*commbus.RequestEscalated); ok {
			observability.RecordEscalation(e.Reason)
		}
		return nil, nil
	})
	return func() {
		unsubStage()
		unsubEscalated()
	}
}

// auditEvents are the events written to the audit log.
var auditEvents = []string{
	"RequestReceived",
	"StageCompleted",
	"EvaluationCompleted",
	"EnrichmentCompleted",
	"RequestFinalized",
	"RequestEscalated",
}

// SubscribeAudit logs every pipeline event as a pipeline_event entry.
// The returned function unsubscribes.
func SubscribeAudit(bus commbus.CommBus, logger Logger) func() {
	unsubs := make([]func(), 0, len(auditEvents))
	for _, name := range auditEvents {
		eventType := name
		unsubs = append(unsubs, bus.Subscribe(eventType, func(_ context.Context, msg commbus.Message) (any, error) {
			logger.Info("pipeline_event", "event", eventType, "payload", msg)
			return nil, nil
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
