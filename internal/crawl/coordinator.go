// Package crawl implements the Crawl Coordinator (C5): crawl startup,
// URL lock/fan-out bookkeeping, and completion tracking, as thin wrappers
// around the State Store with explicit semantics per spec.md §4.5.
package crawl

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// Coordinator implements the crawl-lifecycle operations shared between
// the (external) crawl-entry controller and the Worker Loop's fan-out
// step. blockedHosts is the operator-wide SSRF denylist, enforced on
// every crawl in addition to that crawl's own CrawlerOptions.DenyDomains.
type Coordinator struct {
	store        jobs.Store
	queue        jobs.Queue
	priority     jobs.PriorityEngine
	blockedHosts []string
	logger       *zap.Logger

	domainCountsMu sync.Mutex
	domainCounts   map[string]map[string]int
}

// New builds a Coordinator. blockedHosts is the global SSRF denylist
// applied to every crawl regardless of its own CrawlerOptions.
func New(store jobs.Store, queue jobs.Queue, priority jobs.PriorityEngine, blockedHosts []string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:        store,
		queue:        queue,
		priority:     priority,
		blockedHosts: blockedHosts,
		logger:       logger,
		domainCounts: make(map[string]map[string]int),
	}
}

// extractorFor builds a per-crawl link extractor honoring that crawl's own
// CrawlerOptions.AllowDomains/DenyDomains, union'd with the operator-wide
// blocklist, so one crawl's relaxed domain scope can never bypass the
// global SSRF denylist.
func (c *Coordinator) extractorFor(opts jobs.CrawlerOptions) *GoqueryExtractor {
	deny := append(append([]string{}, c.blockedHosts...), opts.DenyDomains...)
	return NewGoqueryExtractor(opts.AllowDomains, deny)
}

// StartCrawl generates a crawl id and saves the initial Crawl record.
func (c *Coordinator) StartCrawl(ctx context.Context, originURL string, opts jobs.CrawlerOptions, pageOpts jobs.PageOptions, tenantID, plan string, robotsTxt string) (string, error) {
	crawlID := uuid.NewString()
	crawl := jobs.Crawl{
		ID:             crawlID,
		OriginURL:      originURL,
		CrawlerOptions: opts,
		PageOptions:    pageOpts,
		TenantID:       tenantID,
		Plan:           plan,
		RobotsTxt:      robotsTxt,
	}
	if err := c.store.SaveCrawl(ctx, crawl); err != nil {
		return "", fmt.Errorf("save crawl: %w", err)
	}
	return crawlID, nil
}

// SeedURL locks a single discovered URL into the crawl and, if newly
// locked, enqueues a scrape job for it at the given depth. Returns the
// enqueued jobId (empty if the URL was already locked by someone else,
// or if the crawl's MaxPages/PerDomainCaps reject this URL).
func (c *Coordinator) SeedURL(ctx context.Context, crawlID, rawURL string, opts jobs.CrawlerOptions, depth int, tenantID, plan string, basePriority int, sitemapUsed bool) (string, error) {
	if opts.MaxPages > 0 {
		crawlRecord, err := c.store.GetCrawl(ctx, crawlID)
		if err != nil {
			return "", fmt.Errorf("get crawl: %w", err)
		}
		if crawlRecord.TotalURLs >= opts.MaxPages {
			return "", nil
		}
	}
	if domainCap, ok := opts.PerDomainCaps[domainOf(rawURL)]; ok && !c.allowDomainCount(crawlID, rawURL, domainCap) {
		return "", nil
	}

	locked, err := c.store.LockURL(ctx, rawURL, crawlID)
	if err != nil {
		return "", fmt.Errorf("lock url: %w", err)
	}
	if !locked {
		return "", nil
	}

	jobID := uuid.NewString()
	priority := basePriority
	if c.priority != nil {
		priority = c.priority.JobPriority(ctx, plan, tenantID, basePriority)
	}

	payload := jobs.Payload{
		URL:      rawURL,
		Mode:     jobs.ModeCrawl,
		TenantID: tenantID,
		CrawlID:  crawlID,
		Depth:    depth,
	}
	jobOpts := jobs.Options{JobID: jobID, Priority: priority}

	if err := c.store.CreateJob(ctx, jobs.Job{ID: jobID, Payload: payload}); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	if _, err := c.queue.AddJob(ctx, "scrape", payload, jobOpts); err != nil {
		return "", fmt.Errorf("enqueue seeded url: %w", err)
	}
	if err := c.store.AddCrawlJob(ctx, crawlID, jobID); err != nil {
		return "", fmt.Errorf("add crawl job: %w", err)
	}
	return jobID, nil
}

// EnqueueSingleURL creates and enqueues a standalone (non-crawl) scrape
// job for a single URL, the single_urls mode path: no crawl bookkeeping,
// no lock, no fan-out, just a State Store Job record created before the
// broker/dispatcher insertion, same as SeedURL.
func (c *Coordinator) EnqueueSingleURL(ctx context.Context, rawURL string, pageOpts jobs.PageOptions, tenantID, plan string, basePriority int) (string, error) {
	jobID := uuid.NewString()
	priority := basePriority
	if c.priority != nil {
		priority = c.priority.JobPriority(ctx, plan, tenantID, basePriority)
	}

	payload := jobs.Payload{
		URL:         rawURL,
		Mode:        jobs.ModeSingleURLs,
		TenantID:    tenantID,
		PageOptions: pageOpts,
	}
	jobOpts := jobs.Options{JobID: jobID, Priority: priority}

	if err := c.store.CreateJob(ctx, jobs.Job{ID: jobID, Payload: payload}); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	if _, err := c.queue.AddJob(ctx, "scrape", payload, jobOpts); err != nil {
		return "", fmt.Errorf("enqueue single url: %w", err)
	}
	return jobID, nil
}

// FanOutLinks is invoked once a child job completes: it records the
// child's completion, then extracts links from the first document's raw
// HTML (when the job wasn't seeded from a sitemap, the crawl isn't
// cancelled, and depth+1 stays within the crawl's CrawlerOptions.MaxDepth),
// locking and enqueueing each newly discovered URL scoped to the crawl's
// own AllowDomains/DenyDomains, and finally attempts to finish the crawl.
func (c *Coordinator) FanOutLinks(ctx context.Context, crawlID, jobID, sourceURL, rawHTML string, success bool, depth int, tenantID, plan string, basePriority int) error {
	if err := c.store.AddCrawlJobDone(ctx, crawlID, jobID, success); err != nil {
		return fmt.Errorf("add crawl job done: %w", err)
	}

	crawlRecord, err := c.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("get crawl: %w", err)
	}

	childDepth := depth + 1
	withinDepth := crawlRecord.CrawlerOptions.MaxDepth <= 0 || childDepth <= crawlRecord.CrawlerOptions.MaxDepth

	if success && !crawlRecord.Cancelled && !crawlRecord.SitemapUsed && withinDepth && rawHTML != "" {
		extractor := c.extractorFor(crawlRecord.CrawlerOptions)
		links, err := extractor.ExtractLinks(sourceURL, rawHTML)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("link extraction failed", zap.String("crawl_id", crawlID), zap.Error(err))
			}
		} else {
			for _, link := range links {
				if _, err := c.SeedURL(ctx, crawlID, link, crawlRecord.CrawlerOptions, childDepth, tenantID, plan, basePriority, false); err != nil {
					if c.logger != nil {
						c.logger.Warn("fan-out seed failed", zap.String("crawl_id", crawlID), zap.String("url", link), zap.Error(err))
					}
				}
			}
		}
	}

	return c.store.FinishCrawl(ctx, crawlID)
}

// allowDomainCount enforces PerDomainCaps as a soft, in-process advisory
// limit (no cross-process coordination), the same advisory status
// CancelCrawl's cancelled flag already has: good enough to bound runaway
// fan-out within one crawl without adding a new State Store schema.
func (c *Coordinator) allowDomainCount(crawlID, rawURL string, domainCap int) bool {
	domain := domainOf(rawURL)
	c.domainCountsMu.Lock()
	defer c.domainCountsMu.Unlock()
	counts, ok := c.domainCounts[crawlID]
	if !ok {
		counts = make(map[string]int)
		c.domainCounts[crawlID] = counts
	}
	if counts[domain] >= domainCap {
		return false
	}
	counts[domain]++
	return true
}

func domainOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// ReadResultsBudget implements the byte-budget read path for crawl status
// retrieval: it chunks completed-job ids by 100, fetching each job's
// result, and stops once the cumulative serialized size first crosses
// budgetBytes — discarding the element that crossed it.
func (c *Coordinator) ReadResultsBudget(ctx context.Context, crawlID string, budgetBytes int) ([]jobs.Result, error) {
	const chunkSize = 100
	total, err := c.store.GetDoneJobsOrderedLength(ctx, crawlID)
	if err != nil {
		return nil, fmt.Errorf("get done jobs length: %w", err)
	}

	var results []jobs.Result
	cumulative := 0
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		ids, err := c.store.GetDoneJobsOrdered(ctx, crawlID, start, end)
		if err != nil {
			return nil, fmt.Errorf("get done jobs ordered: %w", err)
		}
		for _, id := range ids {
			result, err := c.store.GetJobResult(ctx, id)
			if err != nil {
				continue
			}
			size := approxSize(result)
			if cumulative+size > budgetBytes {
				return results, nil
			}
			cumulative += size
			results = append(results, result)
		}
	}
	return results, nil
}

func approxSize(r jobs.Result) int {
	n := len(r.Message)
	for _, d := range r.Docs {
		n += len(d.Content) + len(d.RawHTML) + len(d.Markdown) + len(d.URL) + len(d.Title)
	}
	return n
}

// CancelCrawl sets the crawl's advisory cancelled flag, checked before
// enqueueing fan-out children; already-enqueued children are allowed to
// complete.
func (c *Coordinator) CancelCrawl(ctx context.Context, crawlID string) error {
	crawlRecord, err := c.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("get crawl: %w", err)
	}
	crawlRecord.Cancelled = true
	crawlRecord.Status = jobs.CrawlStatusCancelled
	return c.store.UpdateCrawl(ctx, crawlRecord)
}
