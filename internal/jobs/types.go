// Package jobs defines the domain model shared across the orchestration
// subsystem: jobs, crawls, url locks and team-job records, plus the
// interfaces every other package programs against.
package jobs

import "time"

// Status is the lifecycle state of a Job.
type Status string

// Job status values. Transitions strictly follow Waiting -> Active ->
// {Completed | Failed}; once terminal, status never changes again.
const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects how a Job's payload is interpreted by the Scrape Orchestrator.
type Mode string

const (
	ModeSingleURLs Mode = "single_urls"
	ModeCrawl      Mode = "crawl"
)

// WebhookConfig carries the destination for the Completion Publisher.
type WebhookConfig struct {
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// PageOptions controls what a fetched document retains.
type PageOptions struct {
	IncludeRawHTML  bool     `json:"include_raw_html,omitempty"`
	IncludeMarkdown bool     `json:"include_markdown,omitempty"`
	OnlyMainContent bool     `json:"only_main_content,omitempty"`
	Formats         []string `json:"formats,omitempty"`
}

// Payload is the opaque request body a Job carries.
type Payload struct {
	URL           string            `json:"url"`
	Mode          Mode              `json:"mode"`
	TenantID      string            `json:"tenant_id"`
	CrawlID       string            `json:"crawl_id,omitempty"`
	PageOptions   PageOptions       `json:"page_options"`
	WaitAfterLoad time.Duration     `json:"wait_after_load,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Depth         int               `json:"depth,omitempty"`
	Webhook       *WebhookConfig    `json:"webhook,omitempty"`
}

// Options are the per-job scheduling knobs passed into the Queue Provider.
type Options struct {
	JobID    string        `json:"job_id"`
	Priority int           `json:"priority"`
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
}

// Progress is a structured step descriptor, or a bare integer percentage
// when Step is empty.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Step    string `json:"step,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Document is one scraped artifact returned by the Scrape Orchestrator.
type Document struct {
	URL             string            `json:"url"`
	Title           string            `json:"title,omitempty"`
	Content         string            `json:"content,omitempty"`
	RawHTML         string            `json:"raw_html,omitempty"`
	Markdown        string            `json:"markdown,omitempty"`
	StatusCode      int               `json:"status_code,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ContentTruncated bool             `json:"content_truncated,omitempty"`
	OriginalContentLength int          `json:"original_content_length,omitempty"`
}

// Result is the tagged outer shape every scrape completion produces.
type Result struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message,omitempty"`
	Docs         []Document `json:"docs,omitempty"`
	Truncated    bool       `json:"truncated,omitempty"`
	OriginalSize int        `json:"original_size,omitempty"`
	OverflowURI  string     `json:"overflow_uri,omitempty"`
}

// Job is a single scrape attempt tracked end-to-end in the State Store.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Payload   Payload   `json:"payload"`
	Options   Options   `json:"options"`
	Status    Status    `json:"status"`
	Progress  Progress  `json:"progress"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CrawlStatus is the lifecycle state of a Crawl.
type CrawlStatus string

const (
	CrawlStatusCreated   CrawlStatus = "created"
	CrawlStatusPending   CrawlStatus = "pending"
	CrawlStatusScraping  CrawlStatus = "scraping"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusFailed    CrawlStatus = "failed"
	CrawlStatusCancelled CrawlStatus = "cancelled"
)

// CrawlerOptions mirrors the client-supplied crawl-shape knobs.
type CrawlerOptions struct {
	MaxDepth      int            `json:"max_depth,omitempty"`
	MaxPages      int            `json:"max_pages,omitempty"`
	AllowDomains  []string       `json:"allow_domains,omitempty"`
	DenyDomains   []string       `json:"deny_domains,omitempty"`
	PerDomainCaps map[string]int `json:"per_domain_caps,omitempty"`
}

// Crawl is the root of a multi-job crawl.
type Crawl struct {
	ID             string         `json:"id"`
	OriginURL      string         `json:"origin_url"`
	CrawlerOptions CrawlerOptions `json:"crawler_options"`
	PageOptions    PageOptions    `json:"page_options"`
	TenantID       string         `json:"tenant_id"`
	Plan           string         `json:"plan"`
	RobotsTxt      string         `json:"robots_txt,omitempty"`
	SitemapUsed    bool           `json:"sitemap_used"`
	Cancelled      bool           `json:"cancelled"`
	Status         CrawlStatus    `json:"status"`
	TotalURLs      int            `json:"total_urls"`
	CompletedURLs  int            `json:"completed_urls"`
	FailedURLs     int            `json:"failed_urls"`
	URLs           []string       `json:"urls"`
	CompletedJobs  []string       `json:"completed_jobs"`
	FailedJobs     []string       `json:"failed_jobs"`
	StartTime      *time.Time     `json:"start_time,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Finished reports whether the crawl has reached its terminal completion
// condition (spec invariant: totalUrls > 0 and completed+failed >= total).
func (c Crawl) Finished() bool {
	return c.TotalURLs > 0 && c.CompletedURLs+c.FailedURLs >= c.TotalURLs
}

// URLLock prevents duplicate fan-out of the same URL within a crawl.
type URLLock struct {
	Hash      string    `json:"hash"`
	URL       string    `json:"url"`
	CrawlID   string    `json:"crawl_id"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TeamJob is one currently-active job of a tenant, used only for priority
// computation.
type TeamJob struct {
	TeamID    string    `json:"team_id"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
}
