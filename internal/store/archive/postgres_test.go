package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

type fakeStaleSource struct {
	stale   []jobs.Job
	removed []string
}

func (s *fakeStaleSource) ListStaleJobs(ctx context.Context, olderThan time.Duration) ([]jobs.Job, error) {
	return s.stale, nil
}

func (s *fakeStaleSource) RemoveJob(ctx context.Context, jobID string) error {
	s.removed = append(s.removed, jobID)
	return nil
}

func TestSweepArchivesAndRemovesStaleJobs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	source := &fakeStaleSource{stale: []jobs.Job{
		{ID: "job-1", Status: jobs.StatusCompleted, Payload: jobs.Payload{TenantID: "t1"}, UpdatedAt: time.Now().Add(-30 * time.Hour)},
		{ID: "job-2", Status: jobs.StatusFailed, Payload: jobs.Payload{TenantID: "t2"}, UpdatedAt: time.Now().Add(-30 * time.Hour)},
	}}

	mock.ExpectExec("INSERT INTO job_archive").
		WithArgs("job-1", "t1", "completed", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO job_archive").
		WithArgs("job-2", "t2", "failed", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	a := NewWithExecer(mock, time.Hour, 25*time.Hour, source, nil)
	n, err := a.Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"job-1", "job-2"}, source.removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepSkipsJobWhenInsertFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	source := &fakeStaleSource{stale: []jobs.Job{
		{ID: "job-3", Status: jobs.StatusCompleted, Payload: jobs.Payload{TenantID: "t1"}, UpdatedAt: time.Now().Add(-30 * time.Hour)},
	}}

	mock.ExpectExec("INSERT INTO job_archive").WillReturnError(errors.New("connection reset"))

	a := NewWithExecer(mock, time.Hour, 25*time.Hour, source, nil)
	n, err := a.Sweep(context.Background())

	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, source.removed)
}
