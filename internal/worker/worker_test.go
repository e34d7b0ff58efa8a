package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

type fakeQueue struct {
	jobs.Queue
	nextJobs   []*jobs.QueueJob
	completed  []string
	failed     []string
	extendErr  error
	extendCalls int
}

func (q *fakeQueue) GetNextJob(ctx context.Context) (*jobs.QueueJob, string, error) {
	if len(q.nextJobs) == 0 {
		return nil, "", nil
	}
	job := q.nextJobs[0]
	q.nextJobs = q.nextJobs[1:]
	return job, "token-1", nil
}

func (q *fakeQueue) ExtendLock(ctx context.Context, jobID, token string, extension time.Duration) error {
	q.extendCalls++
	return q.extendErr
}

func (q *fakeQueue) MoveToCompleted(ctx context.Context, jobID string, result jobs.Result) error {
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) MoveToFailed(ctx context.Context, jobID string, errText string) error {
	q.failed = append(q.failed, jobID)
	return nil
}

type fakeStore struct {
	jobs.Store
	teamJobsAdded   []string
	teamJobsRemoved []string
	completed       []string
	failed          []string
}

func (s *fakeStore) MarkJobStarted(ctx context.Context, jobID string) error {
	return nil
}

func (s *fakeStore) AddTeamJob(ctx context.Context, teamID, jobID string) error {
	s.teamJobsAdded = append(s.teamJobsAdded, jobID)
	return nil
}
func (s *fakeStore) RemoveTeamJob(ctx context.Context, teamID, jobID string) error {
	s.teamJobsRemoved = append(s.teamJobsRemoved, jobID)
	return nil
}
func (s *fakeStore) UpdateJobProgress(ctx context.Context, jobID string, progress jobs.Progress) error {
	return nil
}
func (s *fakeStore) MarkJobCompleted(ctx context.Context, jobID string, result jobs.Result) error {
	s.completed = append(s.completed, jobID)
	return nil
}
func (s *fakeStore) MarkJobFailed(ctx context.Context, jobID string, errText string) error {
	s.failed = append(s.failed, jobID)
	return nil
}

type fakePublisher struct {
	published []publishedEvent
}

type publishedEvent struct {
	topic   string
	payload any
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.published = append(p.published, publishedEvent{topic: topic, payload: payload})
	return nil
}

type fakeFetcher struct {
	result jobs.Result
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, req jobs.FetchRequest) (jobs.Result, error) {
	return f.result, f.err
}

func TestProcessJobInternalHappyPath(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	fetcher := &fakeFetcher{result: jobs.Result{Success: true, Docs: []jobs.Document{{URL: "https://example.com"}}}}

	w := New(queue, store, fetcher, nil, nil, Config{JobLockExtendInterval: time.Hour}, nil)

	job := &jobs.QueueJob{ID: "job-1", Data: jobs.Payload{URL: "https://example.com", TenantID: "t1"}}
	w.processJobInternal(context.Background(), "token-1", job)

	require.Contains(t, store.completed, "job-1")
	require.Contains(t, queue.completed, "job-1")
	require.Contains(t, store.teamJobsAdded, "job-1")
	require.Contains(t, store.teamJobsRemoved, "job-1")
}

func TestProcessJobInternalBlockedURL(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	fetcher := &fakeFetcher{result: jobs.Result{Success: true}}

	w := New(queue, store, fetcher, nil, nil, Config{
		JobLockExtendInterval: time.Hour,
		BlockedHosts:          []string{"blocked.example"},
	}, nil)

	job := &jobs.QueueJob{ID: "job-2", Data: jobs.Payload{URL: "https://blocked.example/x", TenantID: "t1"}}
	w.processJobInternal(context.Background(), "token-1", job)

	require.Contains(t, store.completed, "job-2")
	require.Contains(t, queue.completed, "job-2")
}

func TestProcessJobInternalExecutionFailure(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	fetcher := &fakeFetcher{result: jobs.Result{Success: false, Message: "boom"}}

	w := New(queue, store, fetcher, nil, nil, Config{JobLockExtendInterval: time.Hour}, nil)

	job := &jobs.QueueJob{ID: "job-3", Data: jobs.Payload{URL: "https://example.com", TenantID: "t1"}}
	w.processJobInternal(context.Background(), "token-1", job)

	require.Contains(t, store.failed, "job-3")
	require.Contains(t, queue.failed, "job-3")
}

func TestProcessJobInternalPublishesWebhookOnCompletion(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	publisher := &fakePublisher{}
	fetcher := &fakeFetcher{result: jobs.Result{Success: true, Docs: []jobs.Document{{URL: "https://example.com"}}}}

	w := New(queue, store, fetcher, nil, publisher, Config{JobLockExtendInterval: time.Hour}, nil)

	job := &jobs.QueueJob{ID: "job-webhook", Data: jobs.Payload{
		URL: "https://example.com", TenantID: "t1",
		Webhook: &jobs.WebhookConfig{URL: "https://hooks.example/cb"},
	}}
	w.processJobInternal(context.Background(), "token-1", job)

	require.Contains(t, store.completed, "job-webhook")
	require.Len(t, publisher.published, 1)
}

func TestProcessJobInternalSkipsPublishWithoutWebhook(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	publisher := &fakePublisher{}
	fetcher := &fakeFetcher{result: jobs.Result{Success: true, Docs: []jobs.Document{{URL: "https://example.com"}}}}

	w := New(queue, store, fetcher, nil, publisher, Config{JobLockExtendInterval: time.Hour}, nil)

	job := &jobs.QueueJob{ID: "job-no-webhook", Data: jobs.Payload{URL: "https://example.com", TenantID: "t1"}}
	w.processJobInternal(context.Background(), "token-1", job)

	require.Contains(t, store.completed, "job-no-webhook")
	require.Empty(t, publisher.published)
}

func TestProcessJobInternalPublishesWebhookOnFailure(t *testing.T) {
	queue := &fakeQueue{}
	store := &fakeStore{}
	publisher := &fakePublisher{}
	fetcher := &fakeFetcher{result: jobs.Result{Success: false, Message: "boom"}}

	w := New(queue, store, fetcher, nil, publisher, Config{JobLockExtendInterval: time.Hour}, nil)

	job := &jobs.QueueJob{ID: "job-failed-webhook", Data: jobs.Payload{
		URL: "https://example.com", TenantID: "t1",
		Webhook: &jobs.WebhookConfig{URL: "https://hooks.example/cb"},
	}}
	w.processJobInternal(context.Background(), "token-1", job)

	require.Contains(t, store.failed, "job-failed-webhook")
	require.Len(t, publisher.published, 1)
}

func TestEmptyPollBackoffGrowsAndCaps(t *testing.T) {
	w := New(&fakeQueue{}, &fakeStore{}, &fakeFetcher{}, nil, nil, Config{
		EmptyPollBase: 100 * time.Millisecond,
		EmptyPollCap:  1 * time.Second,
		MaxEmptyPolls: 2,
	}, nil)

	require.Equal(t, 100*time.Millisecond, w.emptyPollBackoff(1))
	require.Equal(t, 200*time.Millisecond, w.emptyPollBackoff(2))
	require.Equal(t, 1*time.Second, w.emptyPollBackoff(100))
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	queue := &fakeQueue{nextJobs: []*jobs.QueueJob{
		{ID: "job-4", Data: jobs.Payload{URL: "https://example.com", TenantID: "t1"}},
	}}
	store := &fakeStore{}
	fetcher := &slowFetcher{delay: 50 * time.Millisecond, result: jobs.Result{Success: true}}

	w := New(queue, store, fetcher, nil, nil, Config{
		MaxCPU: 1, MaxRAM: 1, GotJobInterval: time.Millisecond, JobLockExtendInterval: time.Hour,
	}, nil)

	runCtx, cancelRun := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelRun()
	runDone := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(runDone)
	}()
	<-runDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
	defer cancelShutdown()
	w.Shutdown(shutdownCtx)

	require.Contains(t, store.completed, "job-4")
}

type slowFetcher struct {
	delay  time.Duration
	result jobs.Result
}

func (f *slowFetcher) Fetch(ctx context.Context, req jobs.FetchRequest) (jobs.Result, error) {
	time.Sleep(f.delay)
	return f.result, nil
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	w := New(&fakeQueue{}, &fakeStore{}, &fakeFetcher{}, nil, nil, Config{
		MaxCPU: 1, MaxRAM: 1, GotJobInterval: time.Millisecond,
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
