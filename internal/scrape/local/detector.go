package local

import (
	"strings"
)

// HeadlessHeuristic decides whether a plain-HTTP fetch result looks
// under-rendered enough to warrant a follow-up headless fetch, adapted
// from the teacher's SPA-detection rules for the colly/chromedp local
// fetch pair (C12).
type HeadlessHeuristic struct {
	BodyLengthThreshold int
}

// NewHeadlessHeuristic returns a Heuristic with threshold defaulted to
// 2048 bytes when unset.
func NewHeadlessHeuristic(threshold int) *HeadlessHeuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &HeadlessHeuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
}

// ShouldPromote reports whether rawHTML looks like an SPA shell that
// needs a headless render rather than a plain HTTP fetch.
func (h *HeadlessHeuristic) ShouldPromote(statusCode int, rawHTML string) bool {
	if statusCode != 200 {
		return false
	}
	if len(rawHTML) == 0 {
		return true
	}
	if len(rawHTML) < h.BodyLengthThreshold && scriptDensityHigh(rawHTML) {
		return true
	}
	lower := strings.ToLower(rawHTML)
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
