// Package worker implements the Worker Loop (C6): an outer poller that
// enforces backpressure against local resource pressure, and an inner
// handler that extends the job lease while work is in flight, invokes the
// Scrape Orchestrator, and reliably moves the job to a terminal state.
package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/crawl"
	"github.com/scrapeforge/crawlorch/internal/jobs"
	"github.com/scrapeforge/crawlorch/internal/publish"
)

// webhookTopic is the fixed logical topic name passed to jobs.Publisher;
// Pub/Sub-backed publishers are already bound to one topic at
// construction and ignore it, but the in-memory test publisher and any
// future multi-topic publisher rely on it to route the event.
const webhookTopic = "job-completion"

// Config mirrors config.WorkerConfig's durations, pre-converted from
// milliseconds/fractions so the worker package never does unit math.
type Config struct {
	JobLockExtendInterval        time.Duration
	JobLockExtensionTime         time.Duration
	CantAcceptConnectionInterval time.Duration
	GotJobInterval                time.Duration
	MaxCPU                       float64
	MaxRAM                       float64
	MaxEmptyPolls                int
	EmptyPollBase                time.Duration
	EmptyPollCap                 time.Duration
	ResourceSampleCache          time.Duration
	BlockedHosts                 []string
	BasePriority                 int
}

// Worker drains one Queue, executing jobs through a Fetcher and reporting
// outcomes through a Store, with crawl fan-out delegated to a
// crawl.Coordinator.
type Worker struct {
	queue       jobs.Queue
	store       jobs.Store
	fetcher     jobs.Fetcher
	coordinator *crawl.Coordinator
	publisher   jobs.Publisher
	sampler     *ResourceSampler
	cfg         Config
	logger      *zap.Logger

	inFlight sync.WaitGroup
}

// New constructs a Worker. publisher may be nil; the Completion Publisher
// fan-out is then skipped for every job, webhook-bearing or not.
func New(queue jobs.Queue, store jobs.Store, fetcher jobs.Fetcher, coordinator *crawl.Coordinator, publisher jobs.Publisher, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResourceSampleCache <= 0 {
		cfg.ResourceSampleCache = 150 * time.Millisecond
	}
	return &Worker{
		queue:       queue,
		store:       store,
		fetcher:     fetcher,
		coordinator: coordinator,
		publisher:   publisher,
		sampler:     NewResourceSampler(cfg.ResourceSampleCache),
		cfg:         cfg,
		logger:      logger,
	}
}

// Run is the outer loop. It blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	emptyPolls := 0
	for {
		if ctx.Err() != nil {
			return
		}

		cpuFrac, ramFrac := w.sampler.Sample()
		if cpuFrac > w.cfg.MaxCPU || ramFrac > w.cfg.MaxRAM {
			w.logger.Debug("backpressure active", zap.Float64("cpu", cpuFrac), zap.Float64("ram", ramFrac))
			if !sleepCtx(ctx, w.cfg.CantAcceptConnectionInterval) {
				return
			}
			continue
		}

		job, token, err := w.queue.GetNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("get next job failed", zap.Error(err))
			if !sleepCtx(ctx, w.cfg.CantAcceptConnectionInterval) {
				return
			}
			continue
		}

		if job == nil {
			emptyPolls++
			backoff := w.emptyPollBackoff(emptyPolls)
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		emptyPolls = 0
		w.inFlight.Add(1)
		handlerCtx := context.WithoutCancel(ctx)
		go func() {
			defer w.inFlight.Done()
			w.processJobInternal(handlerCtx, token, job)
		}()
		if !sleepCtx(ctx, w.cfg.GotJobInterval) {
			return
		}
	}
}

// Shutdown blocks until every in-flight job launched by Run's poll loop
// finishes, or ctx is done first — whichever comes first. In-flight jobs
// run against a context detached from Run's ctx (see context.WithoutCancel
// above), so they keep running through the shutdown grace period instead
// of being cut off the instant the outer loop stops polling.
func (w *Worker) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("shutdown grace period elapsed with jobs still in flight")
	}
}

func (w *Worker) emptyPollBackoff(emptyPolls int) time.Duration {
	base := w.cfg.EmptyPollBase
	ceiling := w.cfg.EmptyPollCap
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	maxEmptyPolls := w.cfg.MaxEmptyPolls
	if maxEmptyPolls <= 0 {
		maxEmptyPolls = 10
	}
	shift := emptyPolls / maxEmptyPolls
	d := base << uint(shift)
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ProcessJob runs the inner handler synchronously for a job delivered
// outside the outer poll loop, e.g. a push task the HTTP Surface (C8)
// decoded from a Cloud Tasks delivery. It returns once the job's
// terminal State Store transition has completed.
func (w *Worker) ProcessJob(ctx context.Context, token string, job *jobs.QueueJob) {
	w.processJobInternal(ctx, token, job)
}

// processJobInternal is the inner handler (spec.md §4.6).
func (w *Worker) processJobInternal(ctx context.Context, token string, job *jobs.QueueJob) {
	stopLease := w.startLeaseExtension(ctx, job.ID, token)
	defer stopLease()

	if err := w.store.MarkJobStarted(ctx, job.ID); err != nil {
		w.logger.Warn("mark job started failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	teamID := job.Data.TenantID
	if err := w.store.AddTeamJob(ctx, teamID, job.ID); err != nil {
		w.logger.Warn("add team job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	defer func() {
		if err := w.store.RemoveTeamJob(ctx, teamID, job.ID); err != nil {
			w.logger.Warn("remove team job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	if w.isBlocked(job.Data.URL) {
		result := jobs.Result{Success: false, Message: "URL is blocked by configuration"}
		w.finalize(ctx, job, result, nil, "", "")
		return
	}

	if err := w.store.UpdateJobProgress(ctx, job.ID, jobs.Progress{Current: 1, Total: 100, Step: "SCRAPING"}); err != nil {
		w.logger.Warn("update progress failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	result, err := w.fetcher.Fetch(ctx, jobs.FetchRequest{
		JobID:         job.ID,
		CrawlID:       job.Data.CrawlID,
		URL:           job.Data.URL,
		Mode:          job.Data.Mode,
		PageOptions:   job.Data.PageOptions,
		WaitAfterLoad: job.Data.WaitAfterLoad,
		Headers:       job.Data.Headers,
	})
	if err != nil {
		w.finalize(ctx, job, jobs.Result{}, jobs.Wrap(jobs.KindExecutionFailure, "worker.fetch", err), "", "")
		return
	}
	if !result.Success {
		w.finalize(ctx, job, result, jobs.New(jobs.KindExecutionFailure, "worker.fetch", result.Message), "", "")
		return
	}

	var sourceURL, rawHTML string
	if len(result.Docs) > 0 {
		sourceURL = result.Docs[0].URL
		rawHTML = result.Docs[0].RawHTML
	}
	w.finalize(ctx, job, result, nil, sourceURL, rawHTML)
}

func (w *Worker) isBlocked(url string) bool {
	for _, host := range w.cfg.BlockedHosts {
		if host != "" && strings.Contains(url, host) {
			return true
		}
	}
	return false
}

// finalize performs the terminal transition. execErr, when non-nil,
// forces a failure path even if result carries partial data. It is the
// single call site for the crawl's completion bookkeeping (via
// FanOutLinks, which both records the done-job counter and, on success,
// fans out discovered links) — the State Store's own MarkJobCompleted/
// MarkJobFailed no longer touch crawl counters, so each job is only ever
// counted once.
func (w *Worker) finalize(ctx context.Context, job *jobs.QueueJob, result jobs.Result, execErr error, sourceURL, rawHTML string) {
	success := execErr == nil
	if job.Data.CrawlID != "" && w.coordinator != nil {
		if err := w.coordinator.FanOutLinks(ctx, job.Data.CrawlID, job.ID, sourceURL, rawHTML, success, job.Data.Depth, job.Data.TenantID, "", w.cfg.BasePriority); err != nil {
			w.logger.Warn("crawl fan-out failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if execErr != nil {
		w.moveToFailed(ctx, job, execErr.Error())
		return
	}
	w.moveToCompleted(ctx, job, result)
}

// moveToCompleted performs the authoritative State Store transition first;
// the broker/dispatcher transition is best-effort (spec.md §4.6 step 6).
// If the State Store write itself fails, fall back to removing the job
// from the queue outright so it is never left to stall indefinitely.
func (w *Worker) moveToCompleted(ctx context.Context, job *jobs.QueueJob, result jobs.Result) {
	if err := w.store.MarkJobCompleted(ctx, job.ID, result); err != nil {
		w.logger.Error("store completion failed, removing job", zap.String("job_id", job.ID), zap.Error(err))
		if removeErr := w.queue.RemoveJob(ctx, job.ID); removeErr != nil {
			w.logger.Error("fallback job removal failed", zap.String("job_id", job.ID), zap.Error(removeErr))
		}
		return
	}
	if err := w.queue.MoveToCompleted(ctx, job.ID, result); err != nil {
		w.logger.Warn("broker completion transition failed (best-effort)", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.publishWebhook(ctx, job, jobs.StatusCompleted, &result, "")
}

func (w *Worker) moveToFailed(ctx context.Context, job *jobs.QueueJob, errText string) {
	if err := w.store.MarkJobFailed(ctx, job.ID, errText); err != nil {
		w.logger.Error("store failure write failed, removing job", zap.String("job_id", job.ID), zap.Error(err))
		if removeErr := w.queue.RemoveJob(ctx, job.ID); removeErr != nil {
			w.logger.Error("fallback job removal failed", zap.String("job_id", job.ID), zap.Error(removeErr))
		}
		return
	}
	if err := w.queue.MoveToFailed(ctx, job.ID, errText); err != nil {
		w.logger.Warn("broker failure transition failed (best-effort)", zap.String("job_id", job.ID), zap.Error(err))
	}
	w.publishWebhook(ctx, job, jobs.StatusFailed, nil, errText)
}

// publishWebhook fans out the Completion Publisher event when job carries
// a webhook config. Best-effort: a publish failure is logged, never
// retried or treated as fatal, matching the broker/dispatcher transition's
// best-effort semantics above.
func (w *Worker) publishWebhook(ctx context.Context, job *jobs.QueueJob, status jobs.Status, result *jobs.Result, errText string) {
	if w.publisher == nil || job.Data.Webhook == nil {
		return
	}
	event := publish.Event{
		JobID:    job.ID,
		CrawlID:  job.Data.CrawlID,
		TenantID: job.Data.TenantID,
		Status:   status,
		Webhook:  job.Data.Webhook,
		Result:   result,
		Error:    errText,
	}
	if err := w.publisher.Publish(ctx, webhookTopic, event); err != nil {
		w.logger.Warn("webhook completion publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// startLeaseExtension starts a ticker that extends the job's lease every
// JobLockExtendInterval; it swallows extension errors so a transient
// failure never blocks the handler's progress. Returns a stop function.
func (w *Worker) startLeaseExtension(ctx context.Context, jobID, token string) func() {
	interval := w.cfg.JobLockExtendInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := w.queue.ExtendLock(ctx, jobID, token, w.cfg.JobLockExtensionTime); err != nil {
					w.logger.Warn("lease extension failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
