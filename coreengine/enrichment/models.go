// Package enrichment gathers answers to a request's open questions with
// budgeted tool calls before a plan is generated.
//
// One iteration is Plan (the model picks one tool action per question),
// Execute (actions run against the per-request ledger, failures recorded
// per action) and scoring (answer extraction plus aggregate confidence).
package enrichment

import (
	"strings"
)

// ToolAction is one planned tool call answering exactly one question.
type ToolAction struct {
	Tool      string         `json:"tool"`
	Question  string         `json:"question"`
	Params    map[string]any `json:"params"`
	Reasoning string         `json:"reasoning"`
}

// Plan is the ordered list of actions for one iteration.
type Plan struct {
	Actions              []ToolAction `json:"actions"`
	TotalEstimatedTokens int          `json:"total_estimated_tokens"`
	Reasoning            string       `json:"reasoning"`
}

// IsEmpty reports whether the plan has nothing to execute.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Actions) == 0
}

// GatheredInformation is the outcome of one action. Answer is empty when
// the action produced nothing usable.
type GatheredInformation struct {
	Question   string         `json:"question"`
	Answer     string         `json:"answer,omitempty"`
	Source     string         `json:"source"`
	SourceURL  string         `json:"source_url,omitempty"`
	Confidence float64        `json:"confidence"`
	Raw        map[string]any `json:"raw_data,omitempty"`
}

// Answered reports whether the record carries an answer.
func (g GatheredInformation) Answered() bool {
	return strings.TrimSpace(g.Answer) != ""
}

// Result is one enrichment iteration. It is appended to the request's
// enrichment history and not modified afterwards.
type Result struct {
	Iteration  int                   `json:"iteration"`
	Questions  []string              `json:"questions"`
	Gathered   []GatheredInformation `json:"gathered_info"`
	ToolsUsed  []string              `json:"tools_used"`
	TokensUsed int                   `json:"tokens_used"`
	Answered   int                   `json:"questions_answered"`
	Total      int                   `json:"questions_total"`
	Confidence float64               `json:"confidence"`
	Errors     []string              `json:"errors"`
}

// SuccessRate is answered/total, 0 without questions.
func (r *Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Answered) / float64(r.Total)
}

// ToDynamicContext flattens answered records into a context map keyed by
// the question.
func (r *Result) ToDynamicContext() map[string]any {
	out := make(map[string]any)
	for _, g := range r.Gathered {
		if !g.Answered() {
			continue
		}
		out[QuestionKey(g.Question)] = map[string]any{
			"answer":     g.Answer,
			"source":     g.Source,
			"confidence": g.Confidence,
		}
	}
	return out
}

// AnswerMap maps each answered question to its answer text.
func (r *Result) AnswerMap() map[string]any {
	out := make(map[string]any)
	for _, g := range r.Gathered {
		if g.Answered() {
			out[g.Question] = g.Answer
		}
	}
	return out
}

// ToMap renders the result for state snapshots. Raw tool payloads are left out.
func (r *Result) ToMap() map[string]any {
	gathered := make([]map[string]any, 0, len(r.Gathered))
	for _, g := range r.Gathered {
		gathered = append(gathered, map[string]any{
			"question":   g.Question,
			"answer":     g.Answer,
			"source":     g.Source,
			"source_url": g.SourceURL,
			"confidence": g.Confidence,
		})
	}
	return map[string]any{
		"iteration":          r.Iteration,
		"questions":          r.Questions,
		"gathered_info":      gathered,
		"tools_used":         r.ToolsUsed,
		"tokens_used":        r.TokensUsed,
		"questions_answered": r.Answered,
		"questions_total":    r.Total,
		"confidence":         r.Confidence,
		"errors":             r.Errors,
	}
}

// QuestionKey turns a question into a snake_case context key.
func QuestionKey(question string) string {
	key := strings.ToLower(strings.TrimSpace(question))
	key = strings.ReplaceAll(key, "?", "")
	return strings.Join(strings.Fields(key), "_")
}
