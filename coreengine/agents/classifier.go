package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
)

// RequestCategory is the kind of change a client asked for.
type RequestCategory string

const (
	CategoryBlogPost           RequestCategory = "blog_post"
	CategorySEOOptimization    RequestCategory = "seo_optimization"
	CategoryBugFix             RequestCategory = "bug_fix"
	CategoryContentUpdate      RequestCategory = "content_update"
	CategoryBusinessInfoUpdate RequestCategory = "business_info_update"
	CategoryNewPage            RequestCategory = "new_page"
	CategoryFormChanges        RequestCategory = "form_changes"
	CategoryDesignChanges      RequestCategory = "design_changes"
	CategoryFeatureRequest     RequestCategory = "feature_request"
	CategoryUnclear            RequestCategory = "unclear"
)

// AllCategories lists the valid request categories.
var AllCategories = []RequestCategory{
	CategoryBlogPost,
	CategorySEOOptimization,
	CategoryBugFix,
	CategoryContentUpdate,
	CategoryBusinessInfoUpdate,
	CategoryNewPage,
	CategoryFormChanges,
	CategoryDesignChanges,
	CategoryFeatureRequest,
	CategoryUnclear,
}

// ParseRequestCategory normalizes a category name. Unknown names map to unclear.
func ParseRequestCategory(value string) RequestCategory {
	normalized := RequestCategory(strings.ToLower(strings.TrimSpace(value)))
	for _, c := range AllCategories {
		if c == normalized {
			return c
		}
	}
	return CategoryUnclear
}

// UnparseableMissing is the open question recorded when classification output cannot be parsed.
const UnparseableMissing = "Could not parse the request - needs manual review"

// Classification is the classifier's view of a request.
type Classification struct {
	PrimaryCategory RequestCategory `json:"primary_category"`
	Subcategories   []string        `json:"subcategories"`
	Complete        bool            `json:"complete"`
	Missing         []string        `json:"missing"`
	Confidence      float64         `json:"confidence"`
	Reasoning       string          `json:"reasoning"`
}

// Validate implements Validatable.
func (c *Classification) Validate() error {
	if strings.TrimSpace(string(c.PrimaryCategory)) == "" {
		return fmt.Errorf("primary_category is required")
	}
	return nil
}

// ToMap renders the classification for state snapshots.
func (c *Classification) ToMap() map[string]any {
	return map[string]any{
		"primary_category": string(c.PrimaryCategory),
		"subcategories":    c.Subcategories,
		"complete":         c.Complete,
		"missing":          c.Missing,
		"confidence":       c.Confidence,
		"reasoning":        c.Reasoning,
	}
}

// FileSummary is the extracted view of one attachment.
type FileSummary struct {
	Filename         string
	Type             string
	ExtractedContent string
	Error            string
}

// ClassifyInput is everything the classifier looks at.
type ClassifyInput struct {
	Request        string
	ClientContext  map[string]any
	Files          []FileSummary
	WebsiteContent string
	// Gathered holds answers from earlier enrichment iterations.
	Gathered map[string]any
}

// Classifier decides the request category and whether the request is complete.
type Classifier struct {
	LLM     StructuredLLM
	Prompts PromptRegistry
	Logger  Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(llm StructuredLLM, prompts PromptRegistry, logger Logger) *Classifier {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &Classifier{LLM: llm, Prompts: prompts, Logger: logger}
}

// Classify classifies a request. Unparseable model output degrades to an
// incomplete, unclear classification; a failed model call is returned.
func (c *Classifier) Classify(ctx context.Context, in ClassifyInput) (*Classification, error) {
	names := make([]string, len(AllCategories))
	for i, cat := range AllCategories {
		names[i] = string(cat)
	}

	vars := map[string]any{
		"request":         in.Request,
		"categories":      strings.Join(names, ", "),
		"client_context":  formatContext(in.ClientContext),
		"file_context":    formatFiles(in.Files),
		"website_context": "No website data available.",
	}
	if in.WebsiteContent != "" {
		vars["website_context"] = "Website structure and content available:\n" + in.WebsiteContent
	}
	if len(in.Gathered) > 0 {
		vars["gathered_context"] = formatContext(in.Gathered)
	}

	prompt, err := c.Prompts.Get(ctx, PromptClassifier, vars)
	if err != nil {
		return nil, fmt.Errorf("classifier prompt: %w", err)
	}

	var result Classification
	if err := c.LLM.GenerateStructured(ctx, "classify", prompt, &result); err != nil {
		if errors.Is(err, ErrParse) {
			c.Logger.Warn("classification_unparseable", "error", err.Error())
			return &Classification{
				PrimaryCategory: CategoryUnclear,
				Subcategories:   []string{},
				Complete:        false,
				Missing:         []string{UnparseableMissing},
				Confidence:      0.0,
				Reasoning:       "Parsing error: " + err.Error(),
			}, nil
		}
		return nil, err
	}

	result.PrimaryCategory = ParseRequestCategory(string(result.PrimaryCategory))
	if result.Confidence < 0 {
		result.Confidence = 0
	} else if result.Confidence > 1 {
		result.Confidence = 1
	}
	if result.Subcategories == nil {
		result.Subcategories = []string{}
	}
	if result.Missing == nil {
		result.Missing = []string{}
	}
	return &result, nil
}

func formatFiles(files []FileSummary) string {
	if len(files) == 0 {
		return "No files attached."
	}
	parts := make([]string, 0, len(files))
	for _, f := range files {
		if f.Error != "" {
			parts = append(parts, "- File error: "+f.Error)
			continue
		}
		name := f.Filename
		if name == "" {
			name = "unknown"
		}
		kind := f.Type
		if kind == "" {
			kind = "unknown"
		}
		preview := f.ExtractedContent
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("- %s (%s): %s", name, kind, preview))
	}
	return strings.Join(parts, "\n")
}

func formatContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return "No additional context available."
	}
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", ctx)
	}
	return string(data)
}
