package enrichment

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
)

// Extraction is what an Extractor reads out of one tool result.
type Extraction struct {
	Answer     string
	SourceURL  string
	Confidence float64
}

// Extractor reads an answer to question from a successful tool result.
// Extractors never return an empty answer for a non-empty result; weak
// signal is expressed as low confidence.
type Extractor func(question string, result, params map[string]any) Extraction

// Extractors maps tool names to their extractor. Unknown tools use the
// generic extractor.
type Extractors struct {
	byTool map[string]Extractor
	mu     sync.RWMutex
}

// NewExtractors creates a registry preloaded with the built-in extractors.
func NewExtractors() *Extractors {
	return &Extractors{byTool: map[string]Extractor{
		tools.ToolWebFetch:             extractWebFetch,
		tools.ToolWebSearch:            extractWebSearch,
		tools.ToolFormDetector:         extractFormDetector,
		tools.ToolSocialMediaFinder:    extractSocialMedia,
		tools.ToolSEOAudit:             extractSEOAudit,
		tools.ToolPDFExtract:           extractPDF,
		tools.ToolImageAnalysis:        extractImage,
		tools.ToolGoogleMapsScraper:    extractMaps,
		tools.ToolGoogleReviewsScraper: extractReviews,
	}}
}

// Register sets the extractor for a tool.
func (e *Extractors) Register(tool string, fn Extractor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTool[tool] = fn
}

// Extract runs the tool's extractor and builds the gathered record.
func (e *Extractors) Extract(action ToolAction, result map[string]any) GatheredInformation {
	e.mu.RLock()
	fn, ok := e.byTool[action.Tool]
	e.mu.RUnlock()
	if !ok {
		fn = extractGeneric
	}

	ex := fn(action.Question, result, action.Params)
	if ex.SourceURL == "" {
		ex.SourceURL = typeutil.SafeStringDefault(action.Params["url"], "")
	}
	return GatheredInformation{
		Question:   action.Question,
		Answer:     ex.Answer,
		Source:     action.Tool,
		SourceURL:  ex.SourceURL,
		Confidence: clamp01(ex.Confidence),
		Raw:        result,
	}
}

func questionHas(question string, words ...string) bool {
	q := strings.ToLower(question)
	for _, w := range words {
		if strings.Contains(q, w) {
			return true
		}
	}
	return false
}

func extractWebFetch(question string, result, _ map[string]any) Extraction {
	title := typeutil.SafeStringDefault(result["title"], "")
	description := typeutil.SafeStringDefault(result["description"], "")
	sections := typeutil.SafeStringSliceDefault(result["detected_sections"], nil)

	switch {
	case questionHas(question, "section", "page", "structure", "layout") && len(sections) > 0:
		return Extraction{Answer: "Sections: " + strings.Join(sections, ", "), Confidence: 0.7}
	case description != "":
		return Extraction{Answer: fmt.Sprintf("%s: %s", title, description), Confidence: 0.6}
	case title != "":
		return Extraction{Answer: "Page title: " + title, Confidence: 0.4}
	default:
		return Extraction{Answer: "Page fetched but no title or description found", Confidence: 0.2}
	}
}

func extractWebSearch(_ string, result, _ map[string]any) Extraction {
	hits := typeutil.SafeMapSlice(result["results"])
	if len(hits) == 0 {
		return Extraction{Answer: "No search results found", Confidence: 0.2}
	}
	top := hits[0]
	confidence := 0.6
	if typeutil.SafeBoolDefault(result["is_mock"], false) {
		confidence = 0.4
	}
	return Extraction{
		Answer:     fmt.Sprintf("%s: %s", typeutil.SafeStringDefault(top["title"], ""), typeutil.SafeStringDefault(top["snippet"], "")),
		SourceURL:  typeutil.SafeStringDefault(top["url"], ""),
		Confidence: confidence,
	}
}

func extractFormDetector(_ string, result, _ map[string]any) Extraction {
	found := typeutil.SafeIntDefault(result["forms_found"], 0)
	if found <= 0 {
		return Extraction{Answer: "No forms found on this page", Confidence: 0.3}
	}
	for _, form := range typeutil.SafeMapSlice(result["forms"]) {
		if typeutil.SafeStringDefault(form["type"], "") != "contact" {
			continue
		}
		names := make([]string, 0)
		for _, field := range typeutil.SafeMapSlice(form["fields"]) {
			if name := typeutil.SafeStringDefault(field["name"], ""); name != "" {
				names = append(names, name)
			}
		}
		return Extraction{Answer: "Contact form found with fields: " + strings.Join(names, ", "), Confidence: 0.8}
	}
	return Extraction{Answer: fmt.Sprintf("%d form(s) found on page", found), Confidence: 0.8}
}

func extractSocialMedia(_ string, result, _ map[string]any) Extraction {
	accounts := typeutil.SafeMapStringAnyDefault(result["accounts"], nil)
	platforms := make([]string, 0, len(accounts))
	for platform, url := range accounts {
		if s := typeutil.SafeStringDefault(url, ""); s != "" {
			platforms = append(platforms, platform)
		}
	}
	if len(platforms) == 0 {
		return Extraction{Answer: "No social media accounts found", Confidence: 0.2}
	}
	sort.Strings(platforms)
	parts := make([]string, 0, len(platforms))
	for _, p := range platforms {
		parts = append(parts, fmt.Sprintf("%s: %s", p, accounts[p]))
	}
	return Extraction{
		Answer:     "Found: " + strings.Join(parts, ", "),
		Confidence: typeutil.SafeFloat64Default(result["confidence"], 0.7),
	}
}

func extractSEOAudit(question string, result, _ map[string]any) Extraction {
	meta := typeutil.SafeMapStringAnyDefault(result["meta_tags"], map[string]any{})
	switch {
	case questionHas(question, "meta", "description"):
		description := typeutil.SafeStringDefault(meta["description"], "Not found")
		confidence := 0.3
		if typeutil.SafeBoolDefault(meta["has_description"], false) {
			confidence = 0.8
		}
		return Extraction{Answer: "Meta description: " + description, Confidence: confidence}
	case questionHas(question, "keyword"):
		return Extraction{Answer: "Keywords: " + typeutil.SafeStringDefault(meta["keywords"], "None specified"), Confidence: 0.6}
	default:
		issues := typeutil.SafeStringSliceDefault(result["issues"], nil)
		return Extraction{
			Answer:     fmt.Sprintf("SEO score: %d/100. Issues: %d", typeutil.SafeIntDefault(result["score"], 0), len(issues)),
			Confidence: 0.7,
		}
	}
}

func extractPDF(question string, result, _ map[string]any) Extraction {
	switch {
	case questionHas(question, "color", "colour"):
		colors := typeutil.SafeStringSliceDefault(result["colors"], nil)
		if len(colors) == 0 {
			return Extraction{Answer: "No colors found", Confidence: 0.3}
		}
		return Extraction{Answer: "Colors found: " + strings.Join(colors, ", "), Confidence: 0.8}
	case questionHas(question, "font"):
		fonts := typeutil.SafeStringSliceDefault(result["fonts"], nil)
		if len(fonts) == 0 {
			return Extraction{Answer: "No fonts identified", Confidence: 0.3}
		}
		return Extraction{Answer: "Fonts: " + strings.Join(fonts, ", "), Confidence: 0.7}
	default:
		return Extraction{
			Answer:     fmt.Sprintf("PDF contains %d characters of text", typeutil.SafeIntDefault(result["text_length"], 0)),
			Confidence: 0.6,
		}
	}
}

func extractImage(question string, result, _ map[string]any) Extraction {
	props := typeutil.SafeMapStringAnyDefault(result["properties"], map[string]any{})
	analysis := typeutil.SafeMapStringAnyDefault(result["content_analysis"], map[string]any{})
	if questionHas(question, "size", "dimension", "resolution", "optimi") {
		width := typeutil.SafeIntDefault(props["width"], 0)
		height := typeutil.SafeIntDefault(props["height"], 0)
		if width == 0 || height == 0 {
			return Extraction{Answer: "Image dimensions unknown", Confidence: 0.2}
		}
		answer := fmt.Sprintf("Image is %dx%d", width, height)
		if typeutil.SafeBoolDefault(props["needs_optimization"], false) {
			answer += " and needs optimization"
		}
		return Extraction{Answer: answer, Confidence: 0.8}
	}
	if description := typeutil.SafeStringDefault(analysis["description"], ""); description != "" {
		return Extraction{Answer: description, Confidence: 0.5}
	}
	return Extraction{Answer: "Image loaded but no content analysis available", Confidence: 0.2}
}

func extractMaps(question string, result, _ map[string]any) Extraction {
	confidence := 0.8
	if typeutil.SafeBoolDefault(result["is_mock"], false) {
		confidence = 0.5
	}
	ex := Extraction{SourceURL: typeutil.SafeStringDefault(result["website"], ""), Confidence: confidence}
	switch {
	case questionHas(question, "hour", "open"):
		hours := typeutil.SafeMapStringAnyDefault(result["hours"], nil)
		if len(hours) == 0 {
			ex.Answer = "Hours not found"
			ex.Confidence = 0.2
			return ex
		}
		days := make([]string, 0, len(hours))
		for day := range hours {
			days = append(days, day)
		}
		sort.Strings(days)
		parts := make([]string, 0, len(days))
		for _, day := range days {
			parts = append(parts, fmt.Sprintf("%s %v", day, hours[day]))
		}
		ex.Answer = "Hours: " + strings.Join(parts, "; ")
	case questionHas(question, "phone"):
		ex.Answer = "Phone: " + typeutil.SafeStringDefault(result["phone"], "Not found")
	default:
		ex.Answer = "Address: " + typeutil.SafeStringDefault(result["address"], "Not found")
	}
	return ex
}

func extractReviews(_ string, result, _ map[string]any) Extraction {
	total := typeutil.SafeIntDefault(result["total_reviews"], 0)
	if total == 0 {
		return Extraction{Answer: "No reviews found", Confidence: 0.2}
	}
	confidence := 0.7
	if typeutil.SafeBoolDefault(result["is_mock"], false) {
		confidence = 0.4
	}
	return Extraction{
		Answer:     fmt.Sprintf("%d reviews, average rating %.1f", total, typeutil.SafeFloat64Default(result["average_rating"], 0)),
		Confidence: confidence,
	}
}

func extractGeneric(_ string, result, _ map[string]any) Extraction {
	for _, key := range []string{"answer", "result"} {
		if s := typeutil.SafeStringDefault(result[key], ""); s != "" {
			return Extraction{Answer: s, Confidence: 0.5}
		}
	}
	text := fmt.Sprintf("%v", result)
	if len(result) == 0 {
		return Extraction{Answer: "", Confidence: 0}
	}
	text = truncateRunes(text, 200)
	return Extraction{Answer: text, Confidence: 0.3}
}

// truncateRunes cuts s to at most limit runes.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
