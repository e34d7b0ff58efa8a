// Package redis implements the durable State Store (C1) on top of Redis:
// jobs, crawls, url locks and team-job records as JSON documents, with Lua
// scripts providing the atomic counter/lock semantics spec.md requires.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

const (
	urlLockTTL    = 24 * time.Hour
	teamJobTTL    = 10 * time.Minute
	crawlTTL      = 24 * time.Hour
	maxStoreRetries = 3
)

// Store implements jobs.Store backed by a single Redis client.
type Store struct {
	client            *redis.Client
	prefix            string
	resultBudgetBytes int
	logger            *zap.Logger

	addCrawlJobScript     *redis.Script
	addCrawlJobDoneScript *redis.Script
}

// New builds a Store. addr is a host:port Redis address; prefix namespaces
// every key this Store writes.
func New(addr, prefix string, resultBudgetBytes int, logger *zap.Logger) *Store {
	if resultBudgetBytes <= 0 {
		resultBudgetBytes = 990000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:            redis.NewClient(&redis.Options{Addr: addr}),
		prefix:            prefix,
		resultBudgetBytes: resultBudgetBytes,
		logger:            logger,

		addCrawlJobScript:     redis.NewScript(addCrawlJobLua),
		addCrawlJobDoneScript: redis.NewScript(addCrawlJobDoneLua),
	}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) jobKey(id string) string     { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *Store) crawlKey(id string) string   { return fmt.Sprintf("%s:crawl:%s", s.prefix, id) }
func (s *Store) edgeKey(crawlID, jobID string) string {
	return fmt.Sprintf("%s:crawljob:%s:%s", s.prefix, crawlID, jobID)
}
func (s *Store) lockKey(hash string) string { return fmt.Sprintf("%s:lock:%s", s.prefix, hash) }
func (s *Store) teamSetKey(teamID string) string {
	return fmt.Sprintf("%s:team:%s", s.prefix, teamID)
}

// withRetry retries fn up to maxStoreRetries times with exponential
// backoff, classifying exhausted transient failures as StoreUnavailable.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxStoreRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if jobs.KindOf(err) != jobs.KindUnknown {
			// already classified (NotFound, Conflict, ...); don't retry
			return err
		}
		select {
		case <-ctx.Done():
			return jobs.Wrap(jobs.KindStoreUnavailable, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return jobs.Wrap(jobs.KindStoreUnavailable, op, err)
}

func marshal(op string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, jobs.Wrap(jobs.KindUnknown, op, err)
	}
	return b, nil
}

// CreateJob writes a Job with status=waiting, progress=0. Fails with
// Conflict if a Job with that id already exists.
func (s *Store) CreateJob(ctx context.Context, job jobs.Job) error {
	const op = "redis.CreateJob"
	job.Status = jobs.StatusWaiting
	job.Progress = jobs.Progress{Current: 0, Total: 100}
	if job.Payload.TenantID == "" {
		job.Payload.TenantID = "system"
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	payload, err := marshal(op, job)
	if err != nil {
		return err
	}
	return withRetry(ctx, op, func() error {
		ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), payload, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return jobs.New(jobs.KindConflict, op, "job already exists: "+job.ID)
		}
		return nil
	})
}

func (s *Store) getJob(ctx context.Context, jobID string) (jobs.Job, error) {
	const op = "redis.getJob"
	val, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		if err == redis.Nil {
			return jobs.Job{}, jobs.New(jobs.KindNotFound, op, "job not found: "+jobID)
		}
		return jobs.Job{}, err
	}
	var j jobs.Job
	if err := json.Unmarshal([]byte(val), &j); err != nil {
		return jobs.Job{}, jobs.Wrap(jobs.KindUnknown, op, err)
	}
	return j, nil
}

func (s *Store) putJob(ctx context.Context, job jobs.Job) error {
	const op = "redis.putJob"
	payload, err := marshal(op, job)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.jobKey(job.ID), payload, 0).Err()
}

// MarkJobStarted transitions status waiting->active.
func (s *Store) MarkJobStarted(ctx context.Context, jobID string) error {
	const op = "redis.MarkJobStarted"
	return withRetry(ctx, op, func() error {
		job, err := s.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return jobs.New(jobs.KindIllegalTransition, op, "job already terminal: "+jobID)
		}
		job.Status = jobs.StatusActive
		job.UpdatedAt = time.Now().UTC()
		return s.putJob(ctx, job)
	})
}

// MarkJobCompleted transitions status->completed, progress=100, truncating
// the result if it exceeds the store's per-document budget. A no-op if
// the job is already terminal, so a redelivered completion call never
// re-truncates a result or disturbs an already-settled job (crawl
// counters are the Worker Loop's responsibility via the Crawl
// Coordinator, not this store write).
func (s *Store) MarkJobCompleted(ctx context.Context, jobID string, result jobs.Result) error {
	const op = "redis.MarkJobCompleted"
	result.Success = true
	truncated := s.truncateResult(&result)

	err := withRetry(ctx, op, func() error {
		job, getErr := s.getJob(ctx, jobID)
		if jobs.Is(getErr, jobs.KindNotFound) {
			// tolerate lost creation: synthesize a minimal placeholder
			job = jobs.Job{ID: jobID, Payload: jobs.Payload{TenantID: "system"}, CreatedAt: time.Now().UTC()}
		} else if getErr != nil {
			return getErr
		}
		if job.Status.Terminal() {
			return nil
		}
		job.Status = jobs.StatusCompleted
		job.Progress = jobs.Progress{Current: 100, Total: 100}
		job.Result = &result
		job.UpdatedAt = time.Now().UTC()
		return s.putJob(ctx, job)
	})
	if err != nil {
		// second fallback level: persist a status-only terminal record so
		// the transition is never entirely lost.
		fallbackErr := withRetry(ctx, op+".fallback", func() error {
			job, getErr := s.getJob(ctx, jobID)
			if getErr != nil {
				return getErr
			}
			job.Status = jobs.StatusCompleted
			job.Progress = jobs.Progress{Current: 100, Total: 100}
			job.UpdatedAt = time.Now().UTC()
			return s.putJob(ctx, job)
		})
		if fallbackErr != nil {
			return err
		}
	}
	_ = truncated
	return nil
}

// truncateResult shrinks result in place if its serialized size exceeds
// the store's budget, replacing it with the truncated shape spec.md §4.1
// describes. Returns true if truncation was applied.
func (s *Store) truncateResult(result *jobs.Result) bool {
	raw, err := json.Marshal(result)
	if err != nil || len(raw) <= s.resultBudgetBytes {
		return false
	}
	originalSize := len(raw)

	// Reserve headroom for the outer envelope fields themselves.
	overhead := 512
	budget := s.resultBudgetBytes - overhead
	if budget < 0 {
		budget = 0
	}
	perDoc := budget
	if n := len(result.Docs); n > 0 {
		perDoc = budget / n
	}

	marker := "...[truncated]"
	for i := range result.Docs {
		d := &result.Docs[i]
		if len(d.Content) > perDoc {
			originalLen := len(d.Content)
			cut := perDoc - len(marker)
			if cut < 0 {
				cut = 0
			}
			d.Content = d.Content[:cut] + marker
			d.ContentTruncated = true
			d.OriginalContentLength = originalLen
		}
		d.RawHTML = ""
		d.Markdown = ""
	}
	result.Truncated = true
	result.OriginalSize = originalSize

	// If still over budget after per-doc truncation, drop trailing docs.
	for {
		raw, err = json.Marshal(result)
		if err != nil || len(raw) <= s.resultBudgetBytes || len(result.Docs) == 0 {
			break
		}
		result.Docs = result.Docs[:len(result.Docs)-1]
	}
	return true
}

// MarkJobFailed transitions status->failed. A no-op if the job is
// already terminal (same redelivery-tolerance guarantee as
// MarkJobCompleted); crawl counters are the Worker Loop's responsibility
// via the Crawl Coordinator, not this store write.
func (s *Store) MarkJobFailed(ctx context.Context, jobID string, errText string) error {
	const op = "redis.MarkJobFailed"
	return withRetry(ctx, op, func() error {
		job, err := s.getJob(ctx, jobID)
		if jobs.Is(err, jobs.KindNotFound) {
			job = jobs.Job{ID: jobID, Payload: jobs.Payload{TenantID: "system"}, CreatedAt: time.Now().UTC()}
		} else if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		job.Status = jobs.StatusFailed
		job.Error = errText
		job.UpdatedAt = time.Now().UTC()
		return s.putJob(ctx, job)
	})
}

// UpdateJobProgress updates progress without touching status.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, progress jobs.Progress) error {
	const op = "redis.UpdateJobProgress"
	return withRetry(ctx, op, func() error {
		job, err := s.getJob(ctx, jobID)
		if err != nil {
			return err
		}
		job.Progress = progress
		job.UpdatedAt = time.Now().UTC()
		return s.putJob(ctx, job)
	})
}

// GetJobState returns the job's status, or "unknown" semantics via
// NotFound for a missing id (callers translate per spec.md §4.1).
func (s *Store) GetJobState(ctx context.Context, jobID string) (jobs.Status, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *Store) GetJobResult(ctx context.Context, jobID string) (jobs.Result, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return jobs.Result{}, err
	}
	if job.Result == nil {
		return jobs.Result{}, nil
	}
	return *job.Result, nil
}

func (s *Store) GetJobError(ctx context.Context, jobID string) (string, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Error, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	return s.getJob(ctx, jobID)
}

func (s *Store) RemoveJob(ctx context.Context, jobID string) error {
	const op = "redis.RemoveJob"
	return withRetry(ctx, op, func() error {
		return s.client.Del(ctx, s.jobKey(jobID)).Err()
	})
}

// ListStaleJobs scans for terminal jobs whose UpdatedAt is older than
// olderThan, for the Archiver (C9) to sweep into Postgres. Uses SCAN
// rather than KEYS so a large keyspace never blocks other Redis clients.
func (s *Store) ListStaleJobs(ctx context.Context, olderThan time.Duration) ([]jobs.Job, error) {
	const op = "redis.ListStaleJobs"
	cutoff := time.Now().UTC().Add(-olderThan)
	pattern := fmt.Sprintf("%s:job:*", s.prefix)

	var stale []jobs.Job
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, jobs.Wrap(jobs.KindStoreUnavailable, op, err)
		}
		for _, key := range keys {
			val, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, jobs.Wrap(jobs.KindStoreUnavailable, op, err)
			}
			var job jobs.Job
			if err := json.Unmarshal([]byte(val), &job); err != nil {
				s.logger.Warn("skipping unreadable job during archive sweep", zap.String("key", key), zap.Error(err))
				continue
			}
			if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
				stale = append(stale, job)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stale, nil
}

// SaveCrawl sets status=created, zero counters, expiresAt=now+24h.
func (s *Store) SaveCrawl(ctx context.Context, crawl jobs.Crawl) error {
	const op = "redis.SaveCrawl"
	now := time.Now().UTC()
	crawl.Status = jobs.CrawlStatusCreated
	crawl.CompletedURLs = 0
	crawl.FailedURLs = 0
	crawl.CreatedAt = now
	crawl.ExpiresAt = now.Add(crawlTTL)
	payload, err := marshal(op, crawl)
	if err != nil {
		return err
	}
	return withRetry(ctx, op, func() error {
		return s.client.Set(ctx, s.crawlKey(crawl.ID), payload, crawlTTL).Err()
	})
}

func (s *Store) getCrawl(ctx context.Context, crawlID string) (jobs.Crawl, error) {
	const op = "redis.getCrawl"
	val, err := s.client.Get(ctx, s.crawlKey(crawlID)).Result()
	if err != nil {
		if err == redis.Nil {
			return jobs.Crawl{}, jobs.New(jobs.KindNotFound, op, "crawl not found: "+crawlID)
		}
		return jobs.Crawl{}, err
	}
	var c jobs.Crawl
	if err := json.Unmarshal([]byte(val), &c); err != nil {
		return jobs.Crawl{}, jobs.Wrap(jobs.KindUnknown, op, err)
	}
	return c, nil
}

func (s *Store) GetCrawl(ctx context.Context, crawlID string) (jobs.Crawl, error) {
	return s.getCrawl(ctx, crawlID)
}

// UpdateCrawl overwrites the crawl document as-is, preserving whatever
// fields the caller set (e.g. the cancelled flag); unlike SaveCrawl this
// does not reset status/counters/timestamps, so it must not be used for
// initial creation.
func (s *Store) UpdateCrawl(ctx context.Context, crawl jobs.Crawl) error {
	const op = "redis.UpdateCrawl"
	payload, err := marshal(op, crawl)
	if err != nil {
		return err
	}
	return withRetry(ctx, op, func() error {
		return s.client.Set(ctx, s.crawlKey(crawl.ID), payload, redis.KeepTTL).Err()
	})
}

func (s *Store) GetCrawlExpiry(ctx context.Context, crawlID string) (time.Time, error) {
	c, err := s.getCrawl(ctx, crawlID)
	if err != nil {
		return time.Time{}, err
	}
	return c.ExpiresAt, nil
}

// addCrawlJobLua appends a jobId to a crawl's urls[] and writes an edge
// marker, atomically. KEYS[1]=crawl key, KEYS[2]=edge key. ARGV[1]=jobId.
const addCrawlJobLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('crawl not found') end
local crawl = cjson.decode(raw)
if type(crawl.urls) ~= 'table' then crawl.urls = {} end
table.insert(crawl.urls, ARGV[1])
crawl.total_urls = (crawl.total_urls or 0) + 1
if crawl.status == 'created' or crawl.status == 'pending' then
  crawl.status = 'scraping'
end
-- drop empty tables: cjson cannot tell {} from [], so re-encoding them breaks the Go decode
for _, k in ipairs({'crawler_options', 'page_options', 'urls', 'completed_jobs', 'failed_jobs'}) do
  if type(crawl[k]) == 'table' and next(crawl[k]) == nil then crawl[k] = nil end
end
redis.call('SET', KEYS[1], cjson.encode(crawl), 'KEEPTTL')
redis.call('SET', KEYS[2], '1')
return 1
`

func (s *Store) AddCrawlJob(ctx context.Context, crawlID, jobID string) error {
	const op = "redis.AddCrawlJob"
	return withRetry(ctx, op, func() error {
		return s.addCrawlJobScript.Run(ctx, s.client,
			[]string{s.crawlKey(crawlID), s.edgeKey(crawlID, jobID)},
			jobID,
		).Err()
	})
}

func (s *Store) AddCrawlJobs(ctx context.Context, crawlID string, jobIDs []string) error {
	for _, id := range jobIDs {
		if err := s.AddCrawlJob(ctx, crawlID, id); err != nil {
			return err
		}
	}
	return nil
}

// addCrawlJobDoneLua appends jobId to completedJobs/failedJobs, increments
// the matching counter, and finalizes the crawl if the completion
// condition is met. KEYS[1]=crawl key. ARGV[1]=jobId. ARGV[2]="1" on
// success, "0" on failure. ARGV[3]=now (RFC3339).
const addCrawlJobDoneLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('crawl not found') end
local crawl = cjson.decode(raw)
if type(crawl.completed_jobs) ~= 'table' then crawl.completed_jobs = {} end
if type(crawl.failed_jobs) ~= 'table' then crawl.failed_jobs = {} end
if ARGV[2] == '1' then
  table.insert(crawl.completed_jobs, ARGV[1])
  crawl.completed_urls = (crawl.completed_urls or 0) + 1
else
  table.insert(crawl.failed_jobs, ARGV[1])
  crawl.failed_urls = (crawl.failed_urls or 0) + 1
end
local total = crawl.total_urls or 0
local done = (crawl.completed_urls or 0) + (crawl.failed_urls or 0)
if total > 0 and done >= total and crawl.status ~= 'completed' then
  crawl.status = 'completed'
  crawl.end_time = ARGV[3]
end
-- drop empty tables: cjson cannot tell {} from [], so re-encoding them breaks the Go decode
for _, k in ipairs({'crawler_options', 'page_options', 'urls', 'completed_jobs', 'failed_jobs'}) do
  if type(crawl[k]) == 'table' and next(crawl[k]) == nil then crawl[k] = nil end
end
redis.call('SET', KEYS[1], cjson.encode(crawl), 'KEEPTTL')
return 1
`

func (s *Store) addCrawlJobDone(ctx context.Context, crawlID, jobID string, success bool) error {
	successArg := "0"
	if success {
		successArg = "1"
	}
	return s.addCrawlJobDoneScript.Run(ctx, s.client,
		[]string{s.crawlKey(crawlID)},
		jobID, successArg, time.Now().UTC().Format(time.RFC3339),
	).Err()
}

// AddCrawlJobDone is the exported form used directly by callers outside
// the completion path (e.g. the Worker Loop's crawl fan-out step).
func (s *Store) AddCrawlJobDone(ctx context.Context, crawlID, jobID string, success bool) error {
	const op = "redis.AddCrawlJobDone"
	return withRetry(ctx, op, func() error {
		return s.addCrawlJobDone(ctx, crawlID, jobID, success)
	})
}

func (s *Store) GetDoneJobsOrderedLength(ctx context.Context, crawlID string) (int, error) {
	c, err := s.getCrawl(ctx, crawlID)
	if err != nil {
		return 0, err
	}
	return len(c.CompletedJobs), nil
}

// GetDoneJobsOrdered returns an ordered slice over completedJobs using
// insertion order as canonical; a negative end means "to the last".
func (s *Store) GetDoneJobsOrdered(ctx context.Context, crawlID string, start, end int) ([]string, error) {
	c, err := s.getCrawl(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	n := len(c.CompletedJobs)
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if end < 0 || end > n {
		end = n
	}
	if end < start {
		end = start
	}
	out := make([]string, end-start)
	copy(out, c.CompletedJobs[start:end])
	return out, nil
}

func (s *Store) IsCrawlFinished(ctx context.Context, crawlID string) (bool, error) {
	c, err := s.getCrawl(ctx, crawlID)
	if err != nil {
		return false, err
	}
	return c.Finished(), nil
}

// FinishCrawl idempotently sets status=completed and endTime=now.
func (s *Store) FinishCrawl(ctx context.Context, crawlID string) error {
	const op = "redis.FinishCrawl"
	return withRetry(ctx, op, func() error {
		c, err := s.getCrawl(ctx, crawlID)
		if err != nil {
			return err
		}
		if c.Status == jobs.CrawlStatusCompleted {
			return nil
		}
		if !c.Finished() {
			return nil
		}
		now := time.Now().UTC()
		c.Status = jobs.CrawlStatusCompleted
		c.EndTime = &now
		payload, err := marshal(op, c)
		if err != nil {
			return err
		}
		return s.client.Set(ctx, s.crawlKey(crawlID), payload, redis.KeepTTL).Err()
	})
}

// LockURL performs a create-if-absent with a 24h TTL, atomic via SETNX.
// Returns true if the caller created the lock.
func (s *Store) LockURL(ctx context.Context, url, crawlID string) (bool, error) {
	const op = "redis.LockURL"
	hash := jobs.HashURL(url)
	lock := jobs.URLLock{
		Hash:      hash,
		URL:       url,
		CrawlID:   crawlID,
		Timestamp: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(urlLockTTL),
	}
	payload, err := marshal(op, lock)
	if err != nil {
		return false, err
	}
	var created bool
	err = withRetry(ctx, op, func() error {
		ok, err := s.client.SetNX(ctx, s.lockKey(hash), payload, urlLockTTL).Result()
		if err != nil {
			return err
		}
		created = ok
		return nil
	})
	return created, err
}

// LockURLs attempts to lock every URL; returns true only if all succeeded.
func (s *Store) LockURLs(ctx context.Context, crawlID string, urls []string) (bool, error) {
	all := true
	for _, u := range urls {
		ok, err := s.LockURL(ctx, u, crawlID)
		if err != nil {
			return false, err
		}
		if !ok {
			all = false
		}
	}
	return all, nil
}

// AddTeamJob records an active job for teamID with a 10-minute TTL,
// stored in a sorted set scored by expiry so GetTeamJobCount can discard
// stale entries with a single ZCOUNT.
func (s *Store) AddTeamJob(ctx context.Context, teamID, jobID string) error {
	const op = "redis.AddTeamJob"
	expiresAt := time.Now().UTC().Add(teamJobTTL)
	return withRetry(ctx, op, func() error {
		key := s.teamSetKey(teamID)
		if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.Unix()), Member: jobID}).Err(); err != nil {
			return err
		}
		return s.client.Expire(ctx, key, teamJobTTL).Err()
	})
}

func (s *Store) RemoveTeamJob(ctx context.Context, teamID, jobID string) error {
	const op = "redis.RemoveTeamJob"
	return withRetry(ctx, op, func() error {
		return s.client.ZRem(ctx, s.teamSetKey(teamID), jobID).Err()
	})
}

// GetTeamJobCount counts only records whose expiresAt > now.
func (s *Store) GetTeamJobCount(ctx context.Context, teamID string) (int, error) {
	const op = "redis.GetTeamJobCount"
	now := float64(time.Now().UTC().Unix())
	var count int64
	err := withRetry(ctx, op, func() error {
		n, err := s.client.ZCount(ctx, s.teamSetKey(teamID), fmt.Sprintf("%f", now), "+inf").Result()
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return int(count), err
}
