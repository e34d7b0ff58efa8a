// Package scrape implements the Scrape Orchestrator (C7): an HTTP client
// to the external headless-browser microservice, retrying transient
// failures a small fixed number of times with flat 1-second gaps, and an
// optional local fallback for development environments that never bring
// up that microservice (see internal/scrape/local).
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/compute/metadata"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// Config controls the HTTP call to the browser microservice.
type Config struct {
	BrowserURL     string
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	MaxPartialDocs int
}

// Orchestrator implements jobs.Fetcher by delegating to the external
// headless-browser microservice over HTTP, retrying transient failures a
// small fixed number of times with flat gaps between attempts.
type Orchestrator struct {
	cfg        Config
	client     *http.Client
	metaClient *metadata.Client
	logger     *zap.Logger
}

// New builds an Orchestrator.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		metaClient: metadata.NewClient(&http.Client{Timeout: 2 * time.Second}),
		logger:     logger,
	}
}

// browseRequest is the wire contract's client-side request body:
// POST {BROWSER_URL} with {url, wait_after_load, headers}.
type browseRequest struct {
	URL           string            `json:"url"`
	WaitAfterLoad float64           `json:"wait_after_load,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// browseResponse accepts either documented response shape the browser
// microservice may return: {content, pageStatusCode, pageError} or
// {html, status, error}.
type browseResponse struct {
	Content        string `json:"content"`
	PageStatusCode int    `json:"pageStatusCode"`
	PageError      string `json:"pageError,omitempty"`

	HTML   string `json:"html"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r browseResponse) html() string {
	if r.Content != "" {
		return r.Content
	}
	return r.HTML
}

func (r browseResponse) statusCode() int {
	if r.PageStatusCode != 0 {
		return r.PageStatusCode
	}
	return r.Status
}

func (r browseResponse) errMsg() string {
	if r.PageError != "" {
		return r.PageError
	}
	return r.Error
}

// Fetch posts req to the browser microservice's render endpoint, retrying
// transient failures, with at most cfg.MaxRetries attempts in total (3
// when unset) and a flat 1-second gap between attempts.
func (o *Orchestrator) Fetch(ctx context.Context, req jobs.FetchRequest) (jobs.Result, error) {
	maxAttempts := o.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, o.backoff(attempt)) {
				return jobs.Result{}, jobs.Wrap(jobs.KindTimeout, "scrape.Fetch", ctx.Err())
			}
		}

		result, err := o.doFetch(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !o.shouldRetry(err, attempt, maxAttempts) {
			break
		}
		o.logger.Warn("scrape attempt failed, retrying", zap.String("url", req.URL), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return jobs.Result{}, jobs.Wrap(jobs.KindExecutionFailure, "scrape.Fetch", lastErr)
}

func (o *Orchestrator) doFetch(ctx context.Context, req jobs.FetchRequest) (jobs.Result, error) {
	body, err := json.Marshal(browseRequest{
		URL:           req.URL,
		WaitAfterLoad: req.WaitAfterLoad.Seconds(),
		Headers:       req.Headers,
	})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("encode browse request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BrowserURL, bytes.NewReader(body))
	if err != nil {
		return jobs.Result{}, fmt.Errorf("build browse request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token, err := o.identityToken(ctx); err != nil {
		o.logger.Warn("identity token unavailable, calling browser service unauthenticated", zap.Error(err))
	} else if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("browse request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("read browse response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return jobs.Result{}, fmt.Errorf("browser service error %d: %s", resp.StatusCode, string(payload))
	}
	if resp.StatusCode >= 400 {
		return jobs.Result{Success: false, Message: string(payload)}, nil
	}

	var parsed browseResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return jobs.Result{}, fmt.Errorf("decode browse response: %w", err)
	}

	if errMsg := parsed.errMsg(); errMsg != "" {
		return jobs.Result{Success: false, Message: errMsg}, nil
	}

	doc := jobs.Document{URL: req.URL, RawHTML: parsed.html(), StatusCode: parsed.statusCode()}
	return jobs.Result{Success: true, Docs: []jobs.Document{doc}}, nil
}

// identityTokenAudiencePath is the metadata server suffix for a GCE/Cloud
// Run identity token scoped to the browser microservice's own URL.
const identityTokenAudiencePath = "instance/service-accounts/default/identity?audience="

// identityToken returns a bearer token to authenticate to the browser
// microservice, or "" when not running on GCE (local dev). Mirrors the
// ADC pattern the teacher's storage.NewGCSProvider/queue.NewPubSubProvider
// already rely on for credential discovery.
func (o *Orchestrator) identityToken(ctx context.Context) (string, error) {
	if !metadata.OnGCE() {
		return "", nil
	}
	token, err := o.metaClient.GetWithContext(ctx, identityTokenAudiencePath+url.QueryEscape(o.cfg.BrowserURL))
	if err != nil {
		return "", fmt.Errorf("fetch identity token: %w", err)
	}
	return token, nil
}

func (o *Orchestrator) shouldRetry(err error, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts-1 {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// backoff returns the flat gap between retry attempts spec.md §4.7
// documents ("1-second gaps"), configurable via cfg.RetryDelay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
