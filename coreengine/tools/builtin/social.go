package builtin

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/jeeves-cluster-organization/changeflow/coreengine/tools"
)

type socialPlatform struct {
	name    string
	pattern *regexp.Regexp
	// profile builds the canonical URL from the captured handle.
	profile func(handle, doc string) string
}

var socialPlatforms = []socialPlatform{
	{
		name:    "facebook",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?facebook\.com/(?:pages/)?([a-zA-Z0-9.\-_]+)/?`),
		profile: prefix("https://www.facebook.com/"),
	},
	{
		name:    "twitter",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?(?:twitter\.com|x\.com)/([a-zA-Z0-9_]+)/?`),
		profile: prefix("https://twitter.com/"),
	},
	{
		name:    "instagram",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?instagram\.com/([a-zA-Z0-9._]+)/?`),
		profile: prefix("https://www.instagram.com/"),
	},
	{
		name:    "linkedin",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?linkedin\.com/(?:company|in)/([a-zA-Z0-9\-_]+)/?`),
		profile: func(handle, doc string) string {
			if strings.Contains(strings.ToLower(doc), "/company/") {
				return "https://www.linkedin.com/company/" + handle
			}
			return "https://www.linkedin.com/in/" + handle
		},
	},
	{
		name:    "youtube",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?youtube\.com/(?:@|channel/|c/|user/)?([a-zA-Z0-9\-_]+)/?`),
		profile: prefix("https://www.youtube.com/"),
	},
	{
		name:    "tiktok",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?tiktok\.com/@([a-zA-Z0-9._]+)/?`),
		profile: prefix("https://www.tiktok.com/@"),
	},
	{
		name:    "pinterest",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?pinterest\.com/([a-zA-Z0-9_]+)/?`),
		profile: prefix("https://www.pinterest.com/"),
	},
	{
		name:    "github",
		pattern: regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?github\.com/([a-zA-Z0-9\-_]+)/?`),
		profile: prefix("https://github.com/"),
	},
}

func prefix(base string) func(string, string) string {
	return func(handle, _ string) string { return base + handle }
}

func socialMediaHandler(fetcher commbus.WebFetcher) tools.ToolHandler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		page, err := fetch(ctx, fetcher, params)
		if err != nil {
			return nil, err
		}
		if page.HTML == "" {
			return nil, fmt.Errorf("no HTML content available for %s", page.URL)
		}
		accounts := FindSocialAccounts(page.HTML)
		return map[string]any{
			"url":             page.URL,
			"accounts":        accounts,
			"platforms_found": len(accounts),
			"confidence":      socialConfidence(len(accounts)),
		}, nil
	}
}

// FindSocialAccounts returns platform name to canonical profile URL for
// every platform linked from doc. The first match per platform wins.
func FindSocialAccounts(doc string) map[string]any {
	accounts := make(map[string]any)
	for _, p := range socialPlatforms {
		m := p.pattern.FindStringSubmatch(doc)
		if len(m) < 2 || m[1] == "" {
			continue
		}
		accounts[p.name] = p.profile(m[1], doc)
	}
	return accounts
}

// socialConfidence saturates at four platforms.
func socialConfidence(found int) float64 {
	c := math.Min(float64(found)/4.0, 1.0)
	return math.Round(c*100) / 100
}
