package evaluation

import (
	"fmt"
	"strings"
)

// FormatFeedback renders minimal-fix feedback for the next generation
// attempt. It only reports what r contains.
func FormatFeedback(r *Result) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("## QA EVALUATION FEEDBACK")
	line("")
	line("CRITICAL INSTRUCTIONS: Fix ONLY what failed. Do NOT rewrite sections that already passed.")
	line("Add the MINIMUM content needed to flip each failed criterion. No scope creep.")
	line("")
	line("**Verdict: %s** - %s", r.Verdict, r.VerdictReason)
	line("")

	if r.AutoFailTriggered() {
		line("**AUTO-FAIL TRIGGERED:**")
		for _, af := range r.TriggeredAutoFails() {
			line("- %s: %s: %s", af.ID, af.Description, af.Evidence)
		}
		line("")
	}

	line("**DIMENSION RESULTS:**")
	line("| Dimension | Passed | Total | Threshold | Result |")
	line("|-----------|--------|-------|-----------|--------|")
	for _, d := range r.Dimensions {
		line("| %s | %d | %d | %d | %s |", d.Name, d.PassedCount(), len(d.Criteria), d.Threshold, passFail(d.Passed()))
	}
	line("")

	if failed := r.FailedCriteriaFixes(); len(failed) > 0 {
		line("**FAILED CRITERIA - FIX THESE %d ITEMS:**", len(failed))
		line("| # | Criterion | Current State | Required Fix |")
		line("|---|-----------|---------------|--------------|")
		for _, f := range failed {
			line("| %s | %s | %s | %s |", f.CriterionID, cell(f.Criterion), cell(f.CurrentState), cell(f.RequiredFix))
		}
		line("")
	}

	if len(r.RubricScores) > 0 {
		line("**Rubric Score: %.1f / 5.0**", r.RubricTotal())
		for _, s := range r.RubricScores {
			line("- [%s] %s: %d/5 - %s", scoreIndicator(s.Score), s.Dimension, s.Score, s.Justification)
		}
		line("")
	}

	if r.Critique != "" && r.Critique != noIssues {
		line("**Critique:** %s", r.Critique)
		line("")
	}
	if r.FixInstructions != "" && r.FixInstructions != noRefinement {
		line("**Fix Instructions:** %s", r.FixInstructions)
		line("")
	}

	line("---")
	b.WriteString("REMEMBER: Fix ONLY the failed criteria above. Preserve everything that passed. No scope creep.")
	return b.String()
}

func passFail(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}

func scoreIndicator(score int) string {
	switch {
	case score >= 4:
		return "PASS"
	case score >= 2:
		return "NEEDS WORK"
	default:
		return "FAIL"
	}
}

// cell keeps table rows on one line.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "/")
}
