// Package local provides Local Fetch Backends (C12): a plain-HTTP fetcher
// (goquery/colly based) and a headless-Chrome fetcher (chromedp based),
// used in place of the external browser microservice when
// scrape.local_fallback is enabled, e.g. for local development.
package local

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// CollyConfig controls the plain-HTTP local fetcher.
type CollyConfig struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// CollyFetcher implements jobs.Fetcher with a single static-HTML GET,
// suitable for pages that don't require JavaScript rendering.
type CollyFetcher struct {
	cfg       CollyConfig
	collector *colly.Collector
}

// NewCollyFetcher builds a CollyFetcher.
func NewCollyFetcher(cfg CollyConfig) *CollyFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	return &CollyFetcher{cfg: cfg, collector: c}
}

// Fetch executes a single GET for req.URL and returns its body as the raw
// HTML of a single document.
func (f *CollyFetcher) Fetch(ctx context.Context, req jobs.FetchRequest) (jobs.Result, error) {
	collector := f.collector.Clone()
	timeout := f.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var doc jobs.Document
	var fetchErr error
	collector.OnResponse(func(r *colly.Response) {
		doc = jobs.Document{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			RawHTML:    string(r.Body),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() { done <- collector.Visit(req.URL) }()

	select {
	case <-ctx.Done():
		return jobs.Result{}, jobs.Wrap(jobs.KindTimeout, "local.colly.Fetch", ctx.Err())
	case err := <-done:
		if err != nil {
			return jobs.Result{}, jobs.Wrap(jobs.KindExecutionFailure, "local.colly.Fetch", err)
		}
		if fetchErr != nil {
			return jobs.Result{}, jobs.Wrap(jobs.KindExecutionFailure, "local.colly.Fetch", fetchErr)
		}
		return jobs.Result{Success: true, Docs: []jobs.Document{doc}}, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
