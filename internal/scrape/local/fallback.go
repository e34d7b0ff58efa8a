package local

import (
	"context"

	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// Fetcher implements jobs.Fetcher for the local/dev path (C12): it
// always probes with the Colly HTTP fetcher first, then promotes to the
// chromedp headless renderer when the Heuristic judges the plain fetch
// under-rendered. Active when scrape.local_fallback is true, whether or
// not a remote browser microservice URL is also configured.
type Fetcher struct {
	probe     *CollyFetcher
	headless  *ChromedpFetcher
	heuristic *HeadlessHeuristic
	logger    *zap.Logger
}

// NewFetcher builds the combined local Fetcher. headless may be nil,
// in which case every fetch stops at the Colly probe.
func NewFetcher(probe *CollyFetcher, headless *ChromedpFetcher, heuristic *HeadlessHeuristic, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heuristic == nil {
		heuristic = NewHeadlessHeuristic(0)
	}
	return &Fetcher{probe: probe, headless: headless, heuristic: heuristic, logger: logger}
}

// Fetch runs the Colly probe, then promotes to chromedp if the result
// looks under-rendered and a headless renderer is configured.
func (f *Fetcher) Fetch(ctx context.Context, req jobs.FetchRequest) (jobs.Result, error) {
	result, err := f.probe.Fetch(ctx, req)
	if err != nil || !result.Success || f.headless == nil {
		return result, err
	}

	var statusCode int
	var rawHTML string
	if len(result.Docs) > 0 {
		statusCode = result.Docs[0].StatusCode
		rawHTML = result.Docs[0].RawHTML
	}
	if !f.heuristic.ShouldPromote(statusCode, rawHTML) {
		return result, nil
	}

	f.logger.Debug("promoting to headless render", zap.String("url", req.URL))
	headlessResult, headlessErr := f.headless.Fetch(ctx, req)
	if headlessErr != nil {
		f.logger.Warn("headless promotion failed, keeping probe result", zap.String("url", req.URL), zap.Error(headlessErr))
		return result, nil
	}
	return headlessResult, nil
}
