package webfetch

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxStructureLines = 50
	maxNavLinks       = 10
	maxTextRunes      = 5000
)

var sectionMarkers = []struct {
	marker string
	label  string
}{
	{"hero", "Found Hero Section"},
	{"footer", "Found Footer"},
	{"contact", "Found Contact Section"},
}

// Parse reduces an HTML document to a WebPage summary.
func Parse(url string, body []byte) (*commbus.WebPage, error) {
	doc, err := ParseDocument(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}

	page := &commbus.WebPage{
		URL:              url,
		Title:            "No Title",
		Description:      "No description",
		DetectedSections: []string{},
		HTML:             string(body),
	}
	if t := FindFirst(doc, atom.Title); t != nil {
		if s := Text(t); s != "" {
			page.Title = s
		}
	}
	for _, m := range FindAll(doc, atom.Meta) {
		if strings.EqualFold(Attr(m, "name"), "description") {
			page.Description = strings.TrimSpace(Attr(m, "content"))
			break
		}
	}

	page.StructureSummary = strings.Join(structure(doc), "\n")
	page.DetectedSections = detectSections(doc)

	text := strings.Join(TextLines(doc), "\n")
	if r := []rune(text); len(r) > maxTextRunes {
		text = string(r[:maxTextRunes])
	}
	page.Text = text
	return page, nil
}

func structure(doc *html.Node) []string {
	var lines []string
	for i, nav := range FindAll(doc, atom.Nav) {
		var links []string
		for _, a := range FindAll(nav, atom.A) {
			links = append(links, Text(a))
		}
		if len(links) == 0 {
			continue
		}
		if len(links) > maxNavLinks {
			links = links[:maxNavLinks]
		}
		lines = append(lines, fmt.Sprintf("Navigation Block %d: %s", i+1, strings.Join(links, ", ")))
	}
	for _, h := range FindAll(doc, atom.H1, atom.H2, atom.H3) {
		if text := Text(h); text != "" {
			lines = append(lines, fmt.Sprintf("[%s] %s", strings.ToUpper(h.Data), text))
		}
	}
	if len(lines) > maxStructureLines {
		lines = lines[:maxStructureLines]
	}
	return lines
}

func detectSections(doc *html.Node) []string {
	seen := make(map[string]bool)
	sections := []string{}
	for _, n := range FindAll(doc, atom.Div, atom.Section, atom.Header, atom.Footer) {
		key := strings.ToLower(Attr(n, "class") + " " + Attr(n, "id"))
		for _, s := range sectionMarkers {
			if strings.Contains(key, s.marker) && !seen[s.label] {
				seen[s.label] = true
				sections = append(sections, s.label)
			}
		}
	}
	return sections
}
