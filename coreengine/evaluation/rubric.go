package evaluation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rubric names.
const (
	RubricOutput = "output"
	RubricInput  = "input"
)

// AutoFailSpec defines one auto-fail condition.
type AutoFailSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// CriterionSpec defines one binary criterion.
type CriterionSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// DimensionSpec groups criteria under a pass threshold.
type DimensionSpec struct {
	Name      string          `yaml:"name"`
	Threshold int             `yaml:"threshold"`
	Criteria  []CriterionSpec `yaml:"criteria"`
}

// Rubric is the full set of checks a Gate applies.
type Rubric struct {
	Name       string          `yaml:"name"`
	AutoFails  []AutoFailSpec  `yaml:"auto_fails"`
	Dimensions []DimensionSpec `yaml:"dimensions"`
	// RubricDimensions are the informational 0-5 score dimensions.
	RubricDimensions []string `yaml:"rubric_dimensions"`
}

// Validate checks ids are unique and every threshold is reachable.
func (r *Rubric) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rubric name is required")
	}
	seen := make(map[string]bool)
	for _, af := range r.AutoFails {
		if af.ID == "" {
			return fmt.Errorf("rubric %s: auto-fail id is required", r.Name)
		}
		if seen[af.ID] {
			return fmt.Errorf("rubric %s: duplicate id %s", r.Name, af.ID)
		}
		seen[af.ID] = true
	}
	for _, d := range r.Dimensions {
		if d.Name == "" {
			return fmt.Errorf("rubric %s: dimension name is required", r.Name)
		}
		if d.Threshold < 0 || d.Threshold > len(d.Criteria) {
			return fmt.Errorf("rubric %s: dimension %q threshold %d outside [0, %d]",
				r.Name, d.Name, d.Threshold, len(d.Criteria))
		}
		for _, c := range d.Criteria {
			if c.ID == "" {
				return fmt.Errorf("rubric %s: criterion id is required in %q", r.Name, d.Name)
			}
			if seen[c.ID] {
				return fmt.Errorf("rubric %s: duplicate id %s", r.Name, c.ID)
			}
			seen[c.ID] = true
		}
	}
	return nil
}

// autoFail returns the spec for id.
func (r *Rubric) autoFail(id string) (AutoFailSpec, bool) {
	for _, af := range r.AutoFails {
		if af.ID == id {
			return af, true
		}
	}
	return AutoFailSpec{}, false
}

// PromptText renders the rubric for a judge prompt.
func (r *Rubric) PromptText() string {
	var b strings.Builder
	b.WriteString("## AUTO-FAIL CONDITIONS\n")
	b.WriteString("Check these first. If any is triggered the result is REJECT.\n")
	for _, af := range r.AutoFails {
		fmt.Fprintf(&b, "- %s: %s\n", af.ID, af.Description)
	}
	b.WriteString("\n## BINARY CRITERIA\n")
	for _, d := range r.Dimensions {
		fmt.Fprintf(&b, "\n### Dimension: %s (threshold: %d/%d)\n", d.Name, d.Threshold, len(d.Criteria))
		for _, c := range d.Criteria {
			fmt.Fprintf(&b, "- %s: %s\n", c.ID, c.Description)
		}
	}
	if len(r.RubricDimensions) > 0 {
		b.WriteString("\n## RUBRIC SCORES (0-5, informational)\n")
		for _, name := range r.RubricDimensions {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	return b.String()
}

// ParseRubric decodes a YAML rubric and validates it.
func ParseRubric(data []byte) (*Rubric, error) {
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse rubric: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRubric reads a YAML rubric file.
func LoadRubric(path string) (*Rubric, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rubric %s: %w", path, err)
	}
	return ParseRubric(data)
}

// DefaultOutputRubric is the rubric applied to generated task plans.
func DefaultOutputRubric() *Rubric {
	return &Rubric{
		Name: RubricOutput,
		AutoFails: []AutoFailSpec{
			{ID: "AF1", Description: "Plan has NO execution steps at all (the Execution Steps section is missing or empty)"},
			{ID: "AF2", Description: "Plan addresses a DIFFERENT request than what the client actually asked for"},
			{ID: "AF3", Description: "Plan uses technologies or frameworks the client doesn't use (based on client context)"},
		},
		Dimensions: []DimensionSpec{
			{
				Name:      "Task & Context Clarity",
				Threshold: 3,
				Criteria: []CriterionSpec{
					{ID: "1.1", Description: "Plan has a Task Summary section with a concise 1-sentence goal"},
					{ID: "1.2", Description: "Plan has a Technical Context section specifying environment, CMS/framework, and constraints"},
					{ID: "1.3", Description: "Plan demonstrates understanding of the client's ACTUAL request (not a generic template)"},
					{ID: "1.4", Description: "If client context was provided (tech stack, brand), the plan references it specifically"},
				},
			},
			{
				Name:      "Execution Quality",
				Threshold: 4,
				Criteria: []CriterionSpec{
					{ID: "2.1", Description: "Execution steps are numbered and sequential (not a vague paragraph)"},
					{ID: "2.2", Description: "Each step is specific enough that a developer could start working without guessing"},
					{ID: "2.3", Description: "Steps reference specific files, components, pages, or system parts"},
					{ID: "2.4", Description: "Steps are in a logical order (dependencies come before dependents)"},
					{ID: "2.5", Description: "If the request involves UI changes, visual/layout details are specified"},
				},
			},
			{
				Name:      "Completeness & Scope",
				Threshold: 4,
				Criteria: []CriterionSpec{
					{ID: "3.1", Description: "Every part of the client's request is addressed (nothing was ignored or skipped)"},
					{ID: "3.2", Description: "Plan includes a Definition of Done checklist with items specific to THIS task"},
					{ID: "3.3", Description: "Plan includes relevant tags for categorization"},
					{ID: "3.4", Description: "If the request involves a new page or content, an SEO section is included"},
					{ID: "3.5", Description: "Plan does NOT include work that wasn't requested (no scope creep)"},
				},
			},
			{
				Name:      "Structural Integrity",
				Threshold: 3,
				Criteria: []CriterionSpec{
					{ID: "4.1", Description: "Plan follows the required Markdown structure (Summary, Context, Steps, Flow, Checklist)"},
					{ID: "4.2", Description: "Plan includes a logic flow diagram where applicable"},
					{ID: "4.3", Description: "Markdown renders correctly (proper headings, code blocks, lists)"},
					{ID: "4.4", Description: "Plan uses only ASCII characters (no broken unicode or special characters)"},
				},
			},
		},
		RubricDimensions: []string{"Completeness", "Clarity", "Technical Accuracy", "Structure", "Actionability"},
	}
}

// DefaultInputRubric is the rubric applied to raw client requests.
func DefaultInputRubric() *Rubric {
	return &Rubric{
		Name: RubricInput,
		AutoFails: []AutoFailSpec{
			{ID: "AF1", Description: "Request is empty, only whitespace, or fewer than 3 characters"},
			{ID: "AF2", Description: "Request is clearly not related to web development, design, or digital services"},
			{ID: "AF3", Description: "Request contains only greetings, pleasantries, or acknowledgments with zero task content"},
		},
		Dimensions: []DimensionSpec{
			{
				Name:      "Intent Clarity",
				Threshold: 2,
				Criteria: []CriterionSpec{
					{ID: "1.1", Description: "Request contains an action verb or clear intent (add, change, fix, build, update, create, remove, redesign, improve, migrate)"},
					{ID: "1.2", Description: "The desired outcome is understandable even if details are sparse"},
				},
			},
			{
				Name:      "Scope Specificity",
				Threshold: 1,
				Criteria: []CriterionSpec{
					{ID: "2.1", Description: "Request mentions a specific page, feature, component, section, or area of the site"},
					{ID: "2.2", Description: "Request provides enough context that a project manager could write a 1-sentence brief from it"},
				},
			},
			{
				Name:      "Feasibility Signal",
				Threshold: 1,
				Criteria: []CriterionSpec{
					{ID: "3.1", Description: "Request is something a web development agency can realistically deliver"},
					{ID: "3.2", Description: "Request is not a test submission or automated spam (no 'test123', 'asdfg', repeated characters)"},
				},
			},
		},
	}
}
