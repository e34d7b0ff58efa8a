// Package archive implements the Archiver (C9): a background sweep that
// moves terminal Jobs out of the hot Redis State Store, once they have
// aged past the hot-store TTL, into a durable Postgres table.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// defaultStaleAge is the spec-mandated sweep threshold: jobs whose last
// update is at least this old are eligible for archival.
const defaultStaleAge = 25 * time.Hour

// StaleJobSource is the subset of the State Store the Archiver needs:
// implemented by *redis.Store.
type StaleJobSource interface {
	ListStaleJobs(ctx context.Context, olderThan time.Duration) ([]jobs.Job, error)
	RemoveJob(ctx context.Context, jobID string) error
}

// dbExecer is the slice of *pgxpool.Pool this package calls, narrowed so
// tests can substitute a pgxmock pool in its place.
type dbExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Archiver periodically moves stale jobs from the State Store into a
// job_archive Postgres table, matching the teacher's
// internal/storage/postgres progress-store query shapes.
type Archiver struct {
	db         dbExecer
	pool       *pgxpool.Pool
	store      StaleJobSource
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

// Config configures the Archiver's sweep cadence and staleness threshold.
type Config struct {
	DSN        string
	Interval   time.Duration
	StaleAfter time.Duration
}

// New builds an Archiver backed by a pgxpool connection pool.
func New(ctx context.Context, cfg Config, store StaleJobSource, logger *zap.Logger) (*Archiver, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: create connection pool: %w", err)
	}
	a := NewWithExecer(pool, cfg.Interval, cfg.StaleAfter, store, logger)
	a.pool = pool
	return a, nil
}

// NewWithExecer builds an Archiver against any dbExecer, letting tests
// inject a pgxmock pool instead of a live Postgres connection.
func NewWithExecer(db dbExecer, interval, staleAfter time.Duration, store StaleJobSource, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAge
	}
	return &Archiver{db: db, store: store, interval: interval, staleAfter: staleAfter, logger: logger}
}

// Close closes the underlying connection pool, if one was opened by New.
func (a *Archiver) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Run sweeps on a.interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.Sweep(ctx); err != nil {
				a.logger.Error("archive sweep failed", zap.Error(err))
			} else if n > 0 {
				a.logger.Info("archive sweep completed", zap.Int("jobs_archived", n))
			}
		}
	}
}

// Sweep is cleanBefore24hCompleteJobs: it moves every terminal job whose
// UpdatedAt is at least a.staleAfter old from the State Store into
// job_archive, then removes the hot copy. Each job is archived and
// removed individually so one bad record never blocks the rest of the
// sweep.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	stale, err := a.store.ListStaleJobs(ctx, a.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("archive: list stale jobs: %w", err)
	}

	archived := 0
	for _, job := range stale {
		if err := a.archiveJob(ctx, job); err != nil {
			a.logger.Warn("archive job failed, leaving in hot store", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := a.store.RemoveJob(ctx, job.ID); err != nil {
			a.logger.Warn("remove archived job from hot store failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		archived++
	}
	return archived, nil
}

func (a *Archiver) archiveJob(ctx context.Context, job jobs.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	const query = `
		INSERT INTO job_archive (id, tenant_id, status, payload, archived_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err = a.db.Exec(ctx, query, job.ID, job.Payload.TenantID, string(job.Status), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert job_archive row: %w", err)
	}
	return nil
}
