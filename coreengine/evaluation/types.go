// Package evaluation implements the binary-criteria evaluation gate: auto-fail
// conditions, grouped pass/fail criteria with thresholds, a locally computed
// verdict, minimal-fix feedback and delta reports between iterations.
package evaluation

import (
	"strings"
	"time"
)

// Verdict is the gate decision.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictRevise  Verdict = "REVISE"
	VerdictReject  Verdict = "REJECT"
)

// ParseVerdict normalizes a raw verdict string. ok is false for anything
// other than approve, revise or reject.
func ParseVerdict(raw string) (Verdict, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVE", "APPROVED", "PASS":
		return VerdictApprove, true
	case "REVISE":
		return VerdictRevise, true
	case "REJECT", "REJECTED":
		return VerdictReject, true
	}
	return "", false
}

// ComputeVerdict is the only source of verdicts: Reject on any auto-fail,
// Approve when every dimension passed, Revise otherwise.
func ComputeVerdict(autoFailTriggered, allDimensionsPassed bool) Verdict {
	switch {
	case autoFailTriggered:
		return VerdictReject
	case allDimensionsPassed:
		return VerdictApprove
	default:
		return VerdictRevise
	}
}

// UnparseableFix is the required fix of a criterion whose judgment could not be read.
const UnparseableFix = "re-evaluate: result unparseable"

// AutoFailCheck is one hard-stop condition.
type AutoFailCheck struct {
	ID          string `json:"id"`
	Description string `json:"condition"`
	Triggered   bool   `json:"triggered"`
	Evidence    string `json:"evidence"`
}

// Criterion is one binary check. RequiredFix is non-empty exactly when Passed is false.
type Criterion struct {
	ID           string `json:"criterion_id"`
	Description  string `json:"criterion"`
	Passed       bool   `json:"passed"`
	Evidence     string `json:"evidence"`
	CurrentState string `json:"current_state"`
	RequiredFix  string `json:"required_fix"`
}

// Dimension is a named group of criteria with a minimum pass count.
type Dimension struct {
	Name      string      `json:"dimension_name"`
	Criteria  []Criterion `json:"criteria"`
	Threshold int         `json:"threshold"`
}

// PassedCount returns the number of passed criteria.
func (d Dimension) PassedCount() int {
	n := 0
	for _, c := range d.Criteria {
		if c.Passed {
			n++
		}
	}
	return n
}

// Passed reports whether at least Threshold criteria passed.
func (d Dimension) Passed() bool {
	return d.PassedCount() >= d.Threshold
}

// RubricScore is an informational 0-5 score.
type RubricScore struct {
	Dimension     string `json:"dimension"`
	Score         int    `json:"score"`
	Justification string `json:"justification"`
}

// FailedFix is one row of the minimal-fix table.
type FailedFix struct {
	CriterionID  string `json:"criterion_id"`
	Criterion    string `json:"criterion"`
	CurrentState string `json:"current_state"`
	RequiredFix  string `json:"required_fix"`
}

// Result is one evaluation. It is built by the Gate and not modified afterwards.
type Result struct {
	Rubric     string          `json:"rubric"`
	AutoFails  []AutoFailCheck `json:"auto_fail_checks"`
	Dimensions []Dimension     `json:"dimension_results"`
	Verdict    Verdict         `json:"verdict"`
	// VerdictReason explains the computed verdict.
	VerdictReason string `json:"verdict_reason"`
	// JudgeVerdict is the raw verdict claimed by the judge, kept for audit.
	JudgeVerdict string `json:"judge_verdict,omitempty"`
	// AllBinaryPassed is the legacy require-all flag. Informational only.
	AllBinaryPassed bool          `json:"all_binary_passed"`
	RubricScores    []RubricScore `json:"rubric_scores,omitempty"`
	Critique        string        `json:"critique"`
	FixInstructions string        `json:"refinement_instructions"`
	// Unparseable is set when the judge output could not be read at all.
	Unparseable bool      `json:"unparseable,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// Judge is the decoded judge payload, nil when unparseable.
	Judge map[string]any `json:"-"`
}

// AutoFailTriggered is the OR of all auto-fail triggers.
func (r *Result) AutoFailTriggered() bool {
	for _, af := range r.AutoFails {
		if af.Triggered {
			return true
		}
	}
	return false
}

// AllDimensionsPassed is the AND of all dimension results.
func (r *Result) AllDimensionsPassed() bool {
	for _, d := range r.Dimensions {
		if !d.Passed() {
			return false
		}
	}
	return true
}

// TotalCriteria returns the number of criteria across dimensions.
func (r *Result) TotalCriteria() int {
	n := 0
	for _, d := range r.Dimensions {
		n += len(d.Criteria)
	}
	return n
}

// TotalPassed returns the number of passed criteria across dimensions.
func (r *Result) TotalPassed() int {
	n := 0
	for _, d := range r.Dimensions {
		n += d.PassedCount()
	}
	return n
}

// FailedCriteriaFixes lists every failed criterion in rubric order.
func (r *Result) FailedCriteriaFixes() []FailedFix {
	fixes := []FailedFix{}
	for _, d := range r.Dimensions {
		for _, c := range d.Criteria {
			if c.Passed {
				continue
			}
			fixes = append(fixes, FailedFix{
				CriterionID:  c.ID,
				Criterion:    c.Description,
				CurrentState: c.CurrentState,
				RequiredFix:  c.RequiredFix,
			})
		}
	}
	return fixes
}

// TriggeredAutoFails lists the triggered auto-fail checks.
func (r *Result) TriggeredAutoFails() []AutoFailCheck {
	out := []AutoFailCheck{}
	for _, af := range r.AutoFails {
		if af.Triggered {
			out = append(out, af)
		}
	}
	return out
}

// RubricTotal is the mean rubric score, 0 when there are none.
func (r *Result) RubricTotal() float64 {
	if len(r.RubricScores) == 0 {
		return 0
	}
	sum := 0
	for _, s := range r.RubricScores {
		sum += s.Score
	}
	return float64(sum) / float64(len(r.RubricScores))
}

// criterion looks a criterion up by id.
func (r *Result) criterion(id string) (Criterion, bool) {
	for _, d := range r.Dimensions {
		for _, c := range d.Criteria {
			if c.ID == id {
				return c, true
			}
		}
	}
	return Criterion{}, false
}

// ToMap renders the result for state snapshots and audit logs.
func (r *Result) ToMap() map[string]any {
	dims := make([]map[string]any, 0, len(r.Dimensions))
	for _, d := range r.Dimensions {
		criteria := make([]map[string]any, 0, len(d.Criteria))
		for _, c := range d.Criteria {
			criteria = append(criteria, map[string]any{
				"criterion_id":  c.ID,
				"criterion":     c.Description,
				"passed":        c.Passed,
				"evidence":      c.Evidence,
				"current_state": c.CurrentState,
				"required_fix":  c.RequiredFix,
			})
		}
		dims = append(dims, map[string]any{
			"dimension_name":   d.Name,
			"criteria":         criteria,
			"passed_count":     d.PassedCount(),
			"total_count":      len(d.Criteria),
			"threshold":        d.Threshold,
			"dimension_passed": d.Passed(),
		})
	}
	autoFails := make([]map[string]any, 0, len(r.AutoFails))
	for _, af := range r.AutoFails {
		autoFails = append(autoFails, map[string]any{
			"id":        af.ID,
			"condition": af.Description,
			"triggered": af.Triggered,
			"evidence":  af.Evidence,
		})
	}
	fixes := make([]map[string]any, 0)
	for _, f := range r.FailedCriteriaFixes() {
		fixes = append(fixes, map[string]any{
			"criterion_id":  f.CriterionID,
			"criterion":     f.Criterion,
			"current_state": f.CurrentState,
			"required_fix":  f.RequiredFix,
		})
	}
	return map[string]any{
		"rubric":                r.Rubric,
		"auto_fail_checks":      autoFails,
		"auto_fail_triggered":   r.AutoFailTriggered(),
		"dimension_results":     dims,
		"all_dimensions_passed": r.AllDimensionsPassed(),
		"total_criteria_passed": r.TotalPassed(),
		"total_criteria":        r.TotalCriteria(),
		"failed_criteria_fixes": fixes,
		"all_binary_passed":     r.AllBinaryPassed,
		"rubric_total":          r.RubricTotal(),
		"verdict":               string(r.Verdict),
		"verdict_reason":        r.VerdictReason,
		"judge_verdict":         r.JudgeVerdict,
		"critique":              r.Critique,
		"unparseable":           r.Unparseable,
		"created_at":            r.CreatedAt.Format(time.RFC3339),
	}
}
