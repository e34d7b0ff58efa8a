package crawl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// GoqueryExtractor implements jobs.LinkExtractor using goquery over a
// fetched document's raw HTML, resolving every anchor href against the
// source URL and discarding non-http(s) schemes.
type GoqueryExtractor struct {
	AllowDomains []string
	DenyDomains  []string
}

// NewGoqueryExtractor builds an extractor, optionally scoped to an
// allow/deny domain list (mirrors jobs.CrawlerOptions).
func NewGoqueryExtractor(allowDomains, denyDomains []string) *GoqueryExtractor {
	return &GoqueryExtractor{AllowDomains: allowDomains, DenyDomains: denyDomains}
}

// ExtractLinks parses rawHTML and returns every absolute http(s) link,
// deduplicated and filtered by the allow/deny domain lists.
func (e *GoqueryExtractor) ExtractLinks(sourceURL, rawHTML string) ([]string, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		normalized, err := jobs.NormalizeURL(resolved.String())
		if err != nil {
			normalized = resolved.String()
		}
		if !e.domainAllowed(resolved.Hostname()) {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links, nil
}

func (e *GoqueryExtractor) domainAllowed(host string) bool {
	for _, deny := range e.DenyDomains {
		if strings.EqualFold(deny, host) {
			return false
		}
	}
	if len(e.AllowDomains) == 0 {
		return true
	}
	for _, allow := range e.AllowDomains {
		if strings.EqualFold(allow, host) {
			return true
		}
	}
	return false
}
