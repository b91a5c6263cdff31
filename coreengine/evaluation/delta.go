package evaluation

import (
	"fmt"
	"strings"
)

// FlippedCriterion is a criterion whose state changed between two results.
type FlippedCriterion struct {
	ID           string `json:"id"`
	Criterion    string `json:"criterion"`
	CurrentState string `json:"current_state"`
}

// DimensionChange is the before/after state of one dimension.
type DimensionChange struct {
	Name     string `json:"name"`
	Previous bool   `json:"previous"`
	Current  bool   `json:"current"`
}

// Changed reports whether the dimension flipped.
func (c DimensionChange) Changed() bool {
	return c.Previous != c.Current
}

// Delta compares two consecutive evaluations of the same request.
type Delta struct {
	PreviousPassed  int                `json:"previous_passed"`
	CurrentPassed   int                `json:"current_passed"`
	Total           int                `json:"total"`
	Fixed           []FlippedCriterion `json:"fixed"`
	Regressed       []FlippedCriterion `json:"regressed"`
	Dimensions      []DimensionChange  `json:"dimensions"`
	PreviousVerdict Verdict            `json:"previous_verdict"`
	CurrentVerdict  Verdict            `json:"current_verdict"`
}

// ComputeDelta diffs prev against curr. Criteria are matched by id; a
// criterion absent from prev is never counted as fixed.
func ComputeDelta(prev, curr *Result) *Delta {
	d := &Delta{
		PreviousPassed:  prev.TotalPassed(),
		CurrentPassed:   curr.TotalPassed(),
		Total:           curr.TotalCriteria(),
		Fixed:           []FlippedCriterion{},
		Regressed:       []FlippedCriterion{},
		Dimensions:      make([]DimensionChange, 0, len(curr.Dimensions)),
		PreviousVerdict: prev.Verdict,
		CurrentVerdict:  curr.Verdict,
	}

	for _, dim := range curr.Dimensions {
		for _, c := range dim.Criteria {
			before, ok := prev.criterion(c.ID)
			if !ok || before.Passed == c.Passed {
				continue
			}
			flip := FlippedCriterion{ID: c.ID, Criterion: c.Description, CurrentState: c.CurrentState}
			if c.Passed {
				d.Fixed = append(d.Fixed, flip)
			} else {
				d.Regressed = append(d.Regressed, flip)
			}
		}
	}

	prevDims := make(map[string]bool, len(prev.Dimensions))
	for _, dim := range prev.Dimensions {
		prevDims[dim.Name] = dim.Passed()
	}
	for _, dim := range curr.Dimensions {
		d.Dimensions = append(d.Dimensions, DimensionChange{
			Name:     dim.Name,
			Previous: prevDims[dim.Name],
			Current:  dim.Passed(),
		})
	}
	return d
}

// NoProgress reports a revision that fixed no criteria.
func (d *Delta) NoProgress() bool {
	return len(d.Fixed) == 0
}

// Format renders the delta between version iteration-1 and iteration.
func (d *Delta) Format(iteration int) string {
	prevV := fmt.Sprintf("v%d", iteration-1)
	currV := fmt.Sprintf("v%d", iteration)

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("## Delta Report: %s -> %s", prevV, currV)
	line("")
	line("**Total Criteria Passed:** %s: %d/%d -> %s: %d/%d", prevV, d.PreviousPassed, d.Total, currV, d.CurrentPassed, d.Total)
	switch {
	case d.CurrentPassed > d.PreviousPassed:
		line("**Improvement: +%d criteria fixed**", d.CurrentPassed-d.PreviousPassed)
	case d.CurrentPassed == d.PreviousPassed:
		line("**No improvement - same criteria pass count**")
	default:
		line("**Regression: -%d criteria**", d.PreviousPassed-d.CurrentPassed)
	}
	line("")

	if len(d.Fixed) > 0 {
		line("**Criteria Flipped FAIL -> PASS:**")
		line("| # | Criterion | What Was Fixed |")
		line("|---|-----------|----------------|")
		for _, f := range d.Fixed {
			line("| %s | %s | %s |", f.ID, cell(f.Criterion), cell(f.CurrentState))
		}
		line("")
	}
	if len(d.Regressed) > 0 {
		line("**Criteria Flipped PASS -> FAIL:**")
		for _, f := range d.Regressed {
			line("- %s: %s", f.ID, f.Criterion)
		}
		line("")
	}

	line("**Dimension Comparison:**")
	line("| Dimension | %s | %s | Delta |", prevV, currV)
	line("|-----------|------|------|-------|")
	for _, c := range d.Dimensions {
		change := "="
		if c.Changed() {
			change = passFail(c.Previous) + "->" + passFail(c.Current)
		}
		line("| %s | %s | %s | %s |", c.Name, passFail(c.Previous), passFail(c.Current), change)
	}
	line("")
	line("**%s Verdict:** %s", prevV, d.PreviousVerdict)
	fmt.Fprintf(&b, "**%s Verdict:** %s", currV, d.CurrentVerdict)
	return b.String()
}
