// Package builtin provides the page-analysis tools available to the
// enrichment planner. Every tool takes a "url" parameter and works on the
// page returned by a shared commbus.WebFetcher.
package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/changeflow/clients/webfetch"
	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/typeutil"
	"golang.org/x/net/html"
)

// ErrMissingURL is returned when a tool is called without a url.
var ErrMissingURL = errors.New("url parameter is required")

// Register adds web_fetch, form_detector, social_media_finder and
// seo_audit to registry.
func Register(registry tools.ToolRegistry, fetcher commbus.WebFetcher) error {
	if fetcher == nil {
		return errors.New("builtin tools require a web fetcher")
	}
	defs := []*tools.ToolDefinition{
		{
			Name:        tools.ToolWebFetch,
			Description: "Fetch a web page and return its title, meta description, heading outline and detected sections.",
			Parameters:  []string{"url"},
			Handler:     webFetchHandler(fetcher),
		},
		{
			Name:        tools.ToolFormDetector,
			Description: "List the forms on a web page with their fields and a guessed purpose (contact, newsletter, search, login).",
			Parameters:  []string{"url"},
			Handler:     formDetectorHandler(fetcher),
		},
		{
			Name:        tools.ToolSocialMediaFinder,
			Description: "Find social media accounts linked from a web page.",
			Parameters:  []string{"url"},
			Handler:     socialMediaHandler(fetcher),
		},
		{
			Name:        tools.ToolSEOAudit,
			Description: "Audit a web page's meta tags, headings, image alt text and links, returning issues and a 0-100 score.",
			Parameters:  []string{"url"},
			Handler:     seoAuditHandler(fetcher),
		},
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

func fetch(ctx context.Context, fetcher commbus.WebFetcher, params map[string]any) (*commbus.WebPage, error) {
	url := typeutil.SafeStringDefault(params["url"], "")
	if url == "" {
		return nil, ErrMissingURL
	}
	return fetcher.Fetch(ctx, url)
}

// fetchDocument fetches the page and parses its raw HTML.
func fetchDocument(ctx context.Context, fetcher commbus.WebFetcher, params map[string]any) (*commbus.WebPage, *html.Node, error) {
	page, err := fetch(ctx, fetcher, params)
	if err != nil {
		return nil, nil, err
	}
	if page.HTML == "" {
		return nil, nil, fmt.Errorf("no HTML content available for %s", page.URL)
	}
	doc, err := webfetch.ParseDocument(page.HTML)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", page.URL, err)
	}
	return page, doc, nil
}

func webFetchHandler(fetcher commbus.WebFetcher) tools.ToolHandler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		page, err := fetch(ctx, fetcher, params)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"url":               page.URL,
			"title":             page.Title,
			"description":       page.Description,
			"structure_summary": page.StructureSummary,
			"detected_sections": page.DetectedSections,
			"full_text":         page.Text,
		}, nil
	}
}
