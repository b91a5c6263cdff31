package builtin

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/jeeves-cluster-organization/changeflow/clients/webfetch"
	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	minTitleLength       = 30
	maxTitleLength       = 60
	minDescriptionLength = 120
	maxDescriptionLength = 160
	minAltPercentage     = 90.0
)

func seoAuditHandler(fetcher commbus.WebFetcher) tools.ToolHandler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		page, doc, err := fetchDocument(ctx, fetcher, params)
		if err != nil {
			return nil, err
		}
		return AuditSEO(page.URL, doc), nil
	}
}

// AuditSEO inspects meta tags, headings, images and links, and scores the
// page out of 100: ten points off per issue, five back each for Open Graph
// tags and complete alt text.
func AuditSEO(url string, doc *html.Node) map[string]any {
	meta := auditMeta(doc)
	headings := auditHeadings(doc)
	images := auditImages(doc)
	links := auditLinks(doc, url)

	var issues []string
	switch title, _ := meta["title_length"].(int); {
	case !meta["has_title"].(bool):
		issues = append(issues, "Missing page title")
	case title < minTitleLength || title > maxTitleLength:
		issues = append(issues, fmt.Sprintf("Title length (%d chars) not optimal (%d-%d chars)", title, minTitleLength, maxTitleLength))
	}
	switch desc, _ := meta["description_length"].(int); {
	case !meta["has_description"].(bool):
		issues = append(issues, "Missing meta description")
	case desc < minDescriptionLength || desc > maxDescriptionLength:
		issues = append(issues, fmt.Sprintf("Description length (%d chars) not optimal (%d-%d chars)", desc, minDescriptionLength, maxDescriptionLength))
	}
	hasOG := meta["has_og_tags"].(bool)
	if !hasOG {
		issues = append(issues, "Missing Open Graph tags (important for social sharing)")
	}
	switch h1 := headings["h1_count"].(int); {
	case h1 == 0:
		issues = append(issues, "No H1 heading found")
	case h1 > 1:
		issues = append(issues, fmt.Sprintf("Multiple H1 headings found (%d) - should have only one", h1))
	}
	altPct := images["alt_percentage"].(float64)
	if images["total"].(int) > 0 && altPct < minAltPercentage {
		issues = append(issues, fmt.Sprintf("%d images missing alt text", images["without_alt"].(int)))
	}

	score := 100 - 10*len(issues)
	if hasOG {
		score += 5
	}
	if altPct == 100 {
		score += 5
	}
	score = max(0, min(100, score))

	if issues == nil {
		issues = []string{}
	}
	return map[string]any{
		"url":       url,
		"meta_tags": meta,
		"headings":  headings,
		"images":    images,
		"links":     links,
		"issues":    issues,
		"score":     score,
	}
}

func auditMeta(doc *html.Node) map[string]any {
	meta := map[string]any{
		"title":              "",
		"title_length":       0,
		"description":        "",
		"description_length": 0,
		"keywords":           "",
		"has_title":          false,
		"has_description":    false,
		"has_og_tags":        false,
	}
	if t := webfetch.FindFirst(doc, atom.Title); t != nil {
		title := webfetch.Text(t)
		meta["has_title"] = true
		meta["title"] = title
		meta["title_length"] = utf8.RuneCountInString(title)
	}
	for _, m := range webfetch.FindAll(doc, atom.Meta) {
		content := webfetch.Attr(m, "content")
		switch strings.ToLower(webfetch.Attr(m, "name")) {
		case "description":
			if !meta["has_description"].(bool) {
				meta["has_description"] = true
				meta["description"] = content
				meta["description_length"] = utf8.RuneCountInString(content)
			}
		case "keywords":
			if meta["keywords"] == "" {
				meta["keywords"] = content
			}
		}
		switch strings.ToLower(webfetch.Attr(m, "property")) {
		case "og:title", "og:description", "og:image":
			meta["has_og_tags"] = true
		}
	}
	return meta
}

func auditHeadings(doc *html.Node) map[string]any {
	h1s := webfetch.FindAll(doc, atom.H1)
	texts := make([]string, 0, len(h1s))
	for _, h := range h1s {
		texts = append(texts, webfetch.Text(h))
	}
	return map[string]any{
		"h1_count": len(h1s),
		"h1_text":  texts,
		"h2_count": len(webfetch.FindAll(doc, atom.H2)),
		"h3_count": len(webfetch.FindAll(doc, atom.H3)),
		"has_h1":   len(h1s) > 0,
	}
}

func auditImages(doc *html.Node) map[string]any {
	imgs := webfetch.FindAll(doc, atom.Img)
	without := 0
	for _, img := range imgs {
		if webfetch.Attr(img, "alt") == "" {
			without++
		}
	}
	pct := 100.0
	if len(imgs) > 0 {
		pct = math.Round(float64(len(imgs)-without)/float64(len(imgs))*1000) / 10
	}
	return map[string]any{
		"total":          len(imgs),
		"without_alt":    without,
		"alt_percentage": pct,
	}
}

func auditLinks(doc *html.Node, base string) map[string]any {
	total, internal, external := 0, 0, 0
	for _, a := range webfetch.FindAll(doc, atom.A) {
		if !webfetch.HasAttr(a, "href") {
			continue
		}
		total++
		href := webfetch.Attr(a, "href")
		sameSite := base != "" && strings.Contains(href, base)
		switch {
		case strings.HasPrefix(href, "/") || sameSite:
			internal++
		case strings.HasPrefix(href, "http"):
			external++
		}
	}
	return map[string]any{
		"total":    total,
		"internal": internal,
		"external": external,
	}
}
