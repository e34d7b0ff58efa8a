// Package broker implements Queue Provider Variant A: a priority-ordered,
// lease-based broker backed by asynq. It bridges asynq's push-style
// Server/Handler model onto the pull-style jobs.Queue interface the
// Worker Loop expects, via an in-process channel per dequeued task.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

const taskType = "crawlorch:scrape"

// priority buckets. asynq has no native per-task numeric priority; instead
// it weights fixed queue names. queueForPriority maps spec.md's
// priority integers (1 highest) onto three weighted queues.
var priorityQueues = map[string]int{"critical": 6, "default": 3, "low": 1}

func queueForPriority(priority int) string {
	switch {
	case priority <= 3:
		return "critical"
	case priority <= 10:
		return "default"
	default:
		return "low"
	}
}

type taskPayload struct {
	JobID   string      `json:"job_id"`
	Name    string      `json:"name"`
	Data    jobs.Payload `json:"data"`
	Options jobs.Options `json:"options"`
}

// inFlight tracks a task currently handed to the Worker Loop via
// GetNextJob, pending a MoveToCompleted/Failed/ExtendLock call. renewed
// carries lease-extension requests from ExtendLock to the handle
// goroutine that owns the lease timer.
type inFlight struct {
	job     *jobs.QueueJob
	token   string
	done    chan error
	renewed chan time.Duration
}

// Broker implements jobs.Queue over asynq.
type Broker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	logger    *zap.Logger
	cfg       Config

	mu       sync.Mutex
	pending  chan *inFlight
	inflight map[string]*inFlight

	onComplete func(jobID string, result jobs.Result)
	onFailed   func(jobID string, errText string)
}

// Config configures the asynq-backed broker.
type Config struct {
	Addr            string
	Concurrency     int
	LockDuration    time.Duration
	MaxStalledCount int
}

// New constructs a Broker and starts its internal asynq server consuming
// from all priority queues.
func New(cfg Config, logger *zap.Logger) (*Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.Addr}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 30 * time.Second
	}

	b := &Broker{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    logger,
		cfg:       cfg,
		pending:   make(chan *inFlight, concurrency),
		inflight:  make(map[string]*inFlight),
	}

	b.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      priorityQueues,
	})
	b.mux = asynq.NewServeMux()
	b.mux.HandleFunc(taskType, b.handle)

	go func() {
		if err := b.server.Run(b.mux); err != nil {
			b.logger.Error("asynq server stopped", zap.Error(err))
		}
	}()

	return b, nil
}

// handle is the asynq task handler: it surfaces the task to a waiting
// GetNextJob caller and blocks until that caller reports a terminal
// outcome, the Worker Loop's lease lapses without renewal via
// ExtendLock, or the task's own enqueue-time deadline fires. The lease
// timer is the mechanism that bounds worker-failover time to
// cfg.LockDuration (scenario S5) instead of asynq's own, much longer,
// task deadline.
func (b *Broker) handle(ctx context.Context, task *asynq.Task) error {
	var p taskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}

	info, ok := asynq.GetTaskID(ctx)
	if !ok {
		info = p.JobID
	}

	item := &inFlight{
		job: &jobs.QueueJob{
			ID:      p.JobID,
			Name:    p.Name,
			Data:    p.Data,
			Options: p.Options,
		},
		token:   info,
		done:    make(chan error, 1),
		renewed: make(chan time.Duration, 1),
	}

	b.mu.Lock()
	b.inflight[p.JobID] = item
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inflight, p.JobID)
		b.mu.Unlock()
	}()

	select {
	case b.pending <- item:
	case <-ctx.Done():
		return ctx.Err()
	}

	lease := time.NewTimer(b.cfg.LockDuration)
	defer lease.Stop()
	for {
		select {
		case err := <-item.done:
			return err
		case d := <-item.renewed:
			if !lease.Stop() {
				select {
				case <-lease.C:
				default:
				}
			}
			lease.Reset(d)
		case <-lease.C:
			return fmt.Errorf("broker: lease for job %s expired without renewal or completion", p.JobID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddJob enqueues a new task onto the priority bucket matching opts.Priority.
func (b *Broker) AddJob(ctx context.Context, name string, data jobs.Payload, opts jobs.Options) (string, error) {
	jobID := opts.JobID
	payload, err := json.Marshal(taskPayload{JobID: jobID, Name: name, Data: data, Options: opts})
	if err != nil {
		return "", jobs.Wrap(jobs.KindExecutionFailure, "broker.AddJob", err)
	}

	taskOpts := []asynq.Option{
		asynq.Queue(queueForPriority(opts.Priority)),
		asynq.Timeout(b.cfg.LockDuration),
	}
	if jobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(jobID))
	}
	if opts.Attempts > 0 {
		taskOpts = append(taskOpts, asynq.MaxRetry(opts.Attempts))
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), taskOpts...)
	if err != nil {
		if err == asynq.ErrDuplicateTask {
			return "", jobs.Wrap(jobs.KindConflict, "broker.AddJob", err)
		}
		return "", jobs.Wrap(jobs.KindQueueUnavailable, "broker.AddJob", err)
	}
	return info.ID, nil
}

// GetNextJob blocks until a task is dequeued by the asynq server, or ctx
// is cancelled.
func (b *Broker) GetNextJob(ctx context.Context) (*jobs.QueueJob, string, error) {
	select {
	case item := <-b.pending:
		return item.job, item.token, nil
	case <-ctx.Done():
		return nil, "", nil
	}
}

// ExtendLock renews jobID's processing lease by extension, called
// periodically by the Worker Loop's lease-extension ticker while a job
// is still legitimately in progress. A stalled worker that stops
// calling ExtendLock loses the job after the last-set lease duration
// elapses, at which point handle returns an error and asynq retries
// the task per its backoff policy.
func (b *Broker) ExtendLock(ctx context.Context, jobID, token string, extension time.Duration) error {
	item, ok := b.findInFlight(jobID)
	if !ok {
		return jobs.New(jobs.KindNotFound, "broker.ExtendLock", "job not in flight")
	}
	if item.token != token {
		return jobs.New(jobs.KindConflict, "broker.ExtendLock", "lease token mismatch")
	}
	if extension <= 0 {
		extension = b.cfg.LockDuration
	}
	select {
	case item.renewed <- extension:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) findInFlight(jobID string) (*inFlight, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.inflight[jobID]
	return item, ok
}

// MoveToCompleted reports success for jobID's in-flight task and fans the
// callback registered via OnJobComplete.
func (b *Broker) MoveToCompleted(ctx context.Context, jobID string, result jobs.Result) error {
	item, ok := b.findInFlight(jobID)
	if !ok {
		return jobs.New(jobs.KindNotFound, "broker.MoveToCompleted", "job not in flight")
	}
	item.done <- nil
	if b.onComplete != nil {
		b.onComplete(jobID, result)
	}
	return nil
}

// MoveToFailed reports failure for jobID's in-flight task.
func (b *Broker) MoveToFailed(ctx context.Context, jobID string, errText string) error {
	item, ok := b.findInFlight(jobID)
	if !ok {
		return jobs.New(jobs.KindNotFound, "broker.MoveToFailed", "job not in flight")
	}
	item.done <- fmt.Errorf("%s", errText)
	if b.onFailed != nil {
		b.onFailed(jobID, errText)
	}
	return nil
}

// GetJob reconstructs a QueueJob from asynq's task store, whether pending
// or currently in flight.
func (b *Broker) GetJob(ctx context.Context, jobID string) (*jobs.QueueJob, error) {
	if item, ok := b.findInFlight(jobID); ok {
		return item.job, nil
	}
	for queue := range priorityQueues {
		info, err := b.inspector.GetTaskInfo(queue, jobID)
		if err != nil {
			continue
		}
		var p taskPayload
		if err := json.Unmarshal(info.Payload, &p); err != nil {
			return nil, jobs.Wrap(jobs.KindExecutionFailure, "broker.GetJob", err)
		}
		return &jobs.QueueJob{ID: p.JobID, Name: p.Name, Data: p.Data, Options: p.Options}, nil
	}
	return nil, jobs.New(jobs.KindNotFound, "broker.GetJob", "job not found")
}

// RemoveJob deletes a pending or scheduled task across all priority queues.
func (b *Broker) RemoveJob(ctx context.Context, jobID string) error {
	var lastErr error
	for queue := range priorityQueues {
		if err := b.inspector.DeleteTask(queue, jobID); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return jobs.Wrap(jobs.KindExecutionFailure, "broker.RemoveJob", lastErr)
	}
	return nil
}

// GetJobState reports waiting/active based on asynq's task state; terminal
// states are reported by the State Store, not the queue, so this returns
// StatusWaiting/StatusActive only.
func (b *Broker) GetJobState(ctx context.Context, jobID string) (jobs.Status, error) {
	if _, ok := b.findInFlight(jobID); ok {
		return jobs.StatusActive, nil
	}
	for queue := range priorityQueues {
		if _, err := b.inspector.GetTaskInfo(queue, jobID); err == nil {
			return jobs.StatusWaiting, nil
		}
	}
	return "", jobs.New(jobs.KindNotFound, "broker.GetJobState", "job not found")
}

// GetJobResult and GetJobError are not tracked by the queue layer; the
// State Store is the source of truth for completed results.
func (b *Broker) GetJobResult(ctx context.Context, jobID string) (jobs.Result, error) {
	return jobs.Result{}, jobs.New(jobs.KindNotFound, "broker.GetJobResult", "not tracked by queue")
}

func (b *Broker) GetJobError(ctx context.Context, jobID string) (string, error) {
	return "", jobs.New(jobs.KindNotFound, "broker.GetJobError", "not tracked by queue")
}

// GetActiveCount and GetWaitingCount sum asynq's per-queue stats across the
// three priority buckets.
func (b *Broker) GetActiveCount(ctx context.Context) (int, error) {
	total := 0
	for queue := range priorityQueues {
		info, err := b.inspector.GetQueueInfo(queue)
		if err != nil {
			continue
		}
		total += info.Active
	}
	return total, nil
}

func (b *Broker) GetWaitingCount(ctx context.Context) (int, error) {
	total := 0
	for queue := range priorityQueues {
		info, err := b.inspector.GetQueueInfo(queue)
		if err != nil {
			continue
		}
		total += info.Pending + info.Scheduled
	}
	return total, nil
}

// OnJobComplete registers a completion callback, invoked synchronously
// from MoveToCompleted.
func (b *Broker) OnJobComplete(cb func(jobID string, result jobs.Result)) {
	b.onComplete = cb
}

// OnJobFailed registers a failure callback, invoked synchronously from
// MoveToFailed.
func (b *Broker) OnJobFailed(cb func(jobID string, errText string)) {
	b.onFailed = cb
}

// Close shuts down the asynq server and client.
func (b *Broker) Close() error {
	b.server.Shutdown()
	return b.client.Close()
}
