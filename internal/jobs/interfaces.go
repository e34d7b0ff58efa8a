package jobs

import (
	"context"
	"time"
)

// Store is the durable State Store (C1): jobs, crawls, url locks and
// team-job records. Implementations must make addCrawlJobDone-style
// counter updates atomic against concurrent callers.
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	MarkJobStarted(ctx context.Context, jobID string) error
	MarkJobCompleted(ctx context.Context, jobID string, result Result) error
	MarkJobFailed(ctx context.Context, jobID string, errText string) error
	UpdateJobProgress(ctx context.Context, jobID string, progress Progress) error
	GetJobState(ctx context.Context, jobID string) (Status, error)
	GetJobResult(ctx context.Context, jobID string) (Result, error)
	GetJobError(ctx context.Context, jobID string) (string, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	RemoveJob(ctx context.Context, jobID string) error

	SaveCrawl(ctx context.Context, crawl Crawl) error
	UpdateCrawl(ctx context.Context, crawl Crawl) error
	GetCrawl(ctx context.Context, crawlID string) (Crawl, error)
	GetCrawlExpiry(ctx context.Context, crawlID string) (time.Time, error)
	AddCrawlJob(ctx context.Context, crawlID, jobID string) error
	AddCrawlJobs(ctx context.Context, crawlID string, jobIDs []string) error
	AddCrawlJobDone(ctx context.Context, crawlID, jobID string, success bool) error
	GetDoneJobsOrderedLength(ctx context.Context, crawlID string) (int, error)
	GetDoneJobsOrdered(ctx context.Context, crawlID string, start, end int) ([]string, error)
	IsCrawlFinished(ctx context.Context, crawlID string) (bool, error)
	FinishCrawl(ctx context.Context, crawlID string) error

	LockURL(ctx context.Context, url, crawlID string) (bool, error)
	LockURLs(ctx context.Context, crawlID string, urls []string) (bool, error)

	AddTeamJob(ctx context.Context, teamID, jobID string) error
	RemoveTeamJob(ctx context.Context, teamID, jobID string) error
	GetTeamJobCount(ctx context.Context, teamID string) (int, error)
}

// QueueJob is the handle the Queue Provider returns for a scheduled job.
type QueueJob struct {
	ID       string
	Name     string
	Data     Payload
	Options  Options
}

// Queue is the uniform interface over the two interchangeable Queue
// Provider backends (broker-backed and task-dispatcher-backed).
type Queue interface {
	AddJob(ctx context.Context, name string, data Payload, opts Options) (string, error)
	GetJob(ctx context.Context, jobID string) (*QueueJob, error)
	RemoveJob(ctx context.Context, jobID string) error
	GetJobState(ctx context.Context, jobID string) (Status, error)
	GetJobResult(ctx context.Context, jobID string) (Result, error)
	GetJobError(ctx context.Context, jobID string) (string, error)
	GetActiveCount(ctx context.Context) (int, error)
	GetWaitingCount(ctx context.Context) (int, error)

	// GetNextJob blocks (subject to ctx) until a job is available and
	// returns it with a fresh lease token. Only meaningful for
	// broker-backed variants; dispatcher-backed variants receive jobs
	// passively via HTTP, and their GetNextJob blocks until ctx is done
	// without returning a job.
	GetNextJob(ctx context.Context) (*QueueJob, string, error)
	ExtendLock(ctx context.Context, jobID, token string, extension time.Duration) error
	MoveToCompleted(ctx context.Context, jobID string, result Result) error
	MoveToFailed(ctx context.Context, jobID string, errText string) error

	OnJobComplete(cb func(jobID string, result Result))
	OnJobFailed(cb func(jobID string, errText string))
}

// RateLimiter computes the Bucket to use for a given mode/token/plan/team
// combination. Must be fail-open on transient store errors.
type RateLimiter interface {
	GetBucket(ctx context.Context, mode, token, plan, teamID string) (Bucket, error)
}

// Bucket is a fixed-window token bucket over a 60-second window.
type Bucket interface {
	Consume(ctx context.Context, key string, points int) (allowed bool, remaining int, err error)
	Block(ctx context.Context, key string, seconds int) error
	Penalty(ctx context.Context, key string, points int) error
	Reward(ctx context.Context, key string, points int) error
}

// PriorityEngine derives a numeric job priority from plan tier and the
// tenant's concurrent job count.
type PriorityEngine interface {
	JobPriority(ctx context.Context, plan, teamID string, basePriority int) int
}

// FetchRequest captures everything needed for the Scrape Orchestrator to
// fetch a single URL.
type FetchRequest struct {
	JobID         string
	CrawlID       string
	URL           string
	Mode          Mode
	PageOptions   PageOptions
	WaitAfterLoad time.Duration
	Headers       map[string]string
}

// Fetcher wraps the external headless-browser microservice call (or a
// local fallback) and normalizes the per-URL result.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Result, error)
}

// LinkExtractor pulls outbound links from a fetched document's raw HTML,
// used by the Crawl Coordinator's fan-out step.
type LinkExtractor interface {
	ExtractLinks(sourceURL, rawHTML string) ([]string, error)
}

// Publisher pushes a crawl/job completion signal to an external topic
// (the Completion Publisher, C11).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// BlobStore writes the untruncated original of an oversized result and
// returns a URI (the Overflow Blob Store, C10).
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (uri string, err error)
}
