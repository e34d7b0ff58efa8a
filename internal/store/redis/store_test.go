package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(mr.Addr(), "test", 990000, nil)
}

func TestCreateJobConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := jobs.Job{ID: "job-1", Payload: jobs.Payload{TenantID: "t1"}}
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.CreateJob(ctx, job)
	require.Error(t, err)
	require.Equal(t, jobs.KindConflict, jobs.KindOf(err))
}

func TestMarkJobStartedThenIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(ctx, jobs.Job{ID: "job-1"}))
	require.NoError(t, s.MarkJobStarted(ctx, "job-1"))

	status, err := s.GetJobState(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusActive, status)

	require.NoError(t, s.MarkJobCompleted(ctx, "job-1", jobs.Result{Success: true}))

	err = s.MarkJobStarted(ctx, "job-1")
	require.Error(t, err)
	require.Equal(t, jobs.KindIllegalTransition, jobs.KindOf(err))
}

func TestMarkJobCompletedTolerateLostCreation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.MarkJobCompleted(ctx, "ghost-job", jobs.Result{Success: true, Docs: []jobs.Document{{URL: "https://example.com"}}}))

	status, err := s.GetJobState(ctx, "ghost-job")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, status)
}

func TestMarkJobCompletedIsNoOpWhenAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(ctx, jobs.Job{ID: "job-1"}))
	require.NoError(t, s.MarkJobStarted(ctx, "job-1"))
	require.NoError(t, s.MarkJobCompleted(ctx, "job-1", jobs.Result{Success: true, Message: "first"}))

	// Redelivered completion: must not overwrite the already-settled result.
	require.NoError(t, s.MarkJobCompleted(ctx, "job-1", jobs.Result{Success: true, Message: "second"}))

	result, err := s.GetJobResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "first", result.Message)
}

func TestMarkJobFailedIsNoOpWhenAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(ctx, jobs.Job{ID: "job-1"}))
	require.NoError(t, s.MarkJobStarted(ctx, "job-1"))
	require.NoError(t, s.MarkJobFailed(ctx, "job-1", "first error"))

	// Redelivered failure: must not overwrite the already-settled error.
	require.NoError(t, s.MarkJobFailed(ctx, "job-1", "second error"))

	errText, err := s.GetJobError(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "first error", errText)
}

func TestTruncateResultOverBudget(t *testing.T) {
	ctx := context.Background()
	s := New("", "test", 1000, nil)
	_ = s // budget object used directly below without a live client

	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'a'
	}
	result := jobs.Result{Success: true, Docs: []jobs.Document{{URL: "https://example.com", Content: string(big)}}}
	truncated := s.truncateResult(&result)
	require.True(t, truncated)
	require.True(t, result.Truncated)
	require.True(t, result.Docs[0].ContentTruncated)
	require.Equal(t, 5000, result.Docs[0].OriginalContentLength)
	require.GreaterOrEqual(t, result.OriginalSize, 5000)

	_ = ctx
}

func TestLockURLSecondCallerFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.LockURL(ctx, "https://a.example/page", "crawl-1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.LockURL(ctx, "https://a.example/page", "crawl-1")
	require.NoError(t, err)
	require.False(t, second)
}

func TestAddCrawlJobDoneCompletesCrawl(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveCrawl(ctx, jobs.Crawl{ID: "crawl-1", TotalURLs: 2}))

	require.NoError(t, s.AddCrawlJobDone(ctx, "crawl-1", "job-a", true))
	finished, err := s.IsCrawlFinished(ctx, "crawl-1")
	require.NoError(t, err)
	require.False(t, finished)

	require.NoError(t, s.AddCrawlJobDone(ctx, "crawl-1", "job-b", false))
	finished, err = s.IsCrawlFinished(ctx, "crawl-1")
	require.NoError(t, err)
	require.True(t, finished)

	crawl, err := s.GetCrawl(ctx, "crawl-1")
	require.NoError(t, err)
	require.Equal(t, jobs.CrawlStatusCompleted, crawl.Status)
	require.NotNil(t, crawl.EndTime)
}

func TestTeamJobCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddTeamJob(ctx, "team-1", "job-a"))
	require.NoError(t, s.AddTeamJob(ctx, "team-1", "job-b"))

	count, err := s.GetTeamJobCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	require.NoError(t, s.RemoveTeamJob(ctx, "team-1", "job-a"))
	count, err = s.GetTeamJobCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
