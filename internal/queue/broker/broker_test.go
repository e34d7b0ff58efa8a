package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

func TestQueueForPriorityBuckets(t *testing.T) {
	require.Equal(t, "critical", queueForPriority(1))
	require.Equal(t, "critical", queueForPriority(3))
	require.Equal(t, "default", queueForPriority(5))
	require.Equal(t, "default", queueForPriority(10))
	require.Equal(t, "low", queueForPriority(11))
	require.Equal(t, "low", queueForPriority(50))
}

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New(Config{Addr: mr.Addr(), Concurrency: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestGetJobStateUnknownJobIsNotFound(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.GetJobState(context.Background(), "missing-job")
	require.Error(t, err)
}

func newHandleTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(taskPayload{JobID: jobID, Name: "scrape", Data: jobs.Payload{URL: "https://example.com"}})
	require.NoError(t, err)
	return asynq.NewTask(taskType, payload)
}

// TestHandleReclaimsStalledLeaseWithinLockDuration verifies that a task
// whose handler never calls ExtendLock or MoveToCompleted/Failed is
// released back to asynq (handle returns an error) within cfg.LockDuration,
// not asynq's own much longer default task timeout.
func TestHandleReclaimsStalledLeaseWithinLockDuration(t *testing.T) {
	b, _ := newTestBroker(t)
	b.cfg.LockDuration = 50 * time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- b.handle(context.Background(), newHandleTask(t, "job-stalled")) }()

	select {
	case <-b.pending:
	case <-time.After(time.Second):
		t.Fatal("handle never handed the job to GetNextJob")
	}

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("stalled lease was not reclaimed within the configured lock duration")
	}
}

// TestExtendLockRenewsLeaseBeforeCompletion verifies that a worker calling
// ExtendLock before the lease lapses keeps the task alive past the original
// LockDuration, and that MoveToCompleted still resolves handle cleanly.
func TestExtendLockRenewsLeaseBeforeCompletion(t *testing.T) {
	b, _ := newTestBroker(t)
	b.cfg.LockDuration = 50 * time.Millisecond

	errCh := make(chan error, 1)
	go func() { errCh <- b.handle(context.Background(), newHandleTask(t, "job-renewed")) }()

	select {
	case <-b.pending:
	case <-time.After(time.Second):
		t.Fatal("handle never handed the job to GetNextJob")
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.ExtendLock(context.Background(), "job-renewed", "job-renewed", 200*time.Millisecond))

	// past the original 50ms lease, still within the 200ms extension.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.MoveToCompleted(context.Background(), "job-renewed", jobs.Result{Success: true}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handle did not return after MoveToCompleted")
	}
}

func TestExtendLockRejectsUnknownJob(t *testing.T) {
	b, _ := newTestBroker(t)
	err := b.ExtendLock(context.Background(), "missing-job", "tok", time.Second)
	require.Error(t, err)
}
