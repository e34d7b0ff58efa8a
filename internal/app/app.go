// Package app initializes and holds long-lived application services,
// acting as a dependency injection container for the crawlorch worker
// process.
package app

import (
	"context"
	"fmt"
	"time"

	pubsubclient "cloud.google.com/go/pubsub/v2"
	redisclient "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/blob"
	"github.com/scrapeforge/crawlorch/internal/config"
	"github.com/scrapeforge/crawlorch/internal/crawl"
	"github.com/scrapeforge/crawlorch/internal/httpapi"
	"github.com/scrapeforge/crawlorch/internal/jobs"
	"github.com/scrapeforge/crawlorch/internal/priority"
	"github.com/scrapeforge/crawlorch/internal/publish"
	"github.com/scrapeforge/crawlorch/internal/queue/broker"
	"github.com/scrapeforge/crawlorch/internal/queue/cloudtasks"
	"github.com/scrapeforge/crawlorch/internal/ratelimit"
	"github.com/scrapeforge/crawlorch/internal/scrape"
	"github.com/scrapeforge/crawlorch/internal/scrape/local"
	"github.com/scrapeforge/crawlorch/internal/store/archive"
	redisstore "github.com/scrapeforge/crawlorch/internal/store/redis"
	"github.com/scrapeforge/crawlorch/internal/worker"
)

// App holds every shared, long-lived service the worker process needs.
// It is initialized once at startup from Config and closed on shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     *redisstore.Store
	queue     jobs.Queue
	rateLimit jobs.RateLimiter
	priority  jobs.PriorityEngine
	coord     *crawl.Coordinator
	fetcher   jobs.Fetcher
	publisher jobs.Publisher
	blobStore jobs.BlobStore
	archiver  *archive.Archiver
	worker    *worker.Worker
	http      *httpapi.Server

	rateLimitClient *redisclient.Client
	pubsubClient    *pubsubclient.Client
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetWorker returns the Worker Loop.
func (a *App) GetWorker() *worker.Worker { return a.worker }

// GetHTTPServer returns the HTTP Surface, only non-nil for the
// cloud-tasks Queue Provider variant.
func (a *App) GetHTTPServer() *httpapi.Server { return a.http }

// GetArchiver returns the Archiver (C9) background sweep.
func (a *App) GetArchiver() *archive.Archiver { return a.archiver }

// New wires every component named in config into a running App. It
// fails fast if any required dependency cannot be constructed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store := redisstore.New(cfg.Store.RedisAddr, cfg.Store.KeyPrefix, cfg.Store.ResultBudgetBytes, logger.Named("store"))

	a := &App{cfg: cfg, logger: logger, store: store}

	if err := a.initQueue(ctx); err != nil {
		return nil, err
	}
	a.initRateLimit()
	a.priority = priority.New(store, logger.Named("priority"))

	a.coord = crawl.New(store, a.queue, a.priority, cfg.Worker.BlockedHosts, logger.Named("crawl"))

	if err := a.initFetcher(); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.initBlobStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initArchiver(ctx); err != nil {
		return nil, err
	}

	workerCfg := worker.Config{
		JobLockExtendInterval:        time.Duration(cfg.Worker.JobLockExtendIntervalMs) * time.Millisecond,
		JobLockExtensionTime:         time.Duration(cfg.Worker.JobLockExtensionTimeMs) * time.Millisecond,
		CantAcceptConnectionInterval: time.Duration(cfg.Worker.CantAcceptConnectionIntervalMs) * time.Millisecond,
		GotJobInterval:               time.Duration(cfg.Worker.GotJobIntervalMs) * time.Millisecond,
		MaxCPU:                       cfg.Worker.MaxCPU,
		MaxRAM:                       cfg.Worker.MaxRAM,
		MaxEmptyPolls:                cfg.Worker.MaxEmptyPolls,
		EmptyPollBase:                time.Duration(cfg.Worker.EmptyPollBaseMs) * time.Millisecond,
		EmptyPollCap:                 time.Duration(cfg.Worker.EmptyPollCapMs) * time.Millisecond,
		ResourceSampleCache:          time.Duration(cfg.Worker.ResourceSampleCacheMs) * time.Millisecond,
		BlockedHosts:                 cfg.Worker.BlockedHosts,
	}
	a.worker = worker.New(a.queue, store, a.fetcher, a.coord, a.publisher, workerCfg, logger.Named("worker"))

	if cfg.Queue.Provider == "cloud-tasks" {
		a.http = httpapi.New(a.worker, store, logger.Named("httpapi"))
	}

	return a, nil
}

func (a *App) initQueue(ctx context.Context) error {
	switch a.cfg.Queue.Provider {
	case "broker":
		b, err := broker.New(broker.Config{
			Addr:            a.cfg.Queue.Broker.Addr,
			Concurrency:     a.cfg.Worker.Concurrency,
			LockDuration:    time.Duration(a.cfg.Queue.Broker.LockDurationMs) * time.Millisecond,
			MaxStalledCount: a.cfg.Queue.Broker.MaxStalledCount,
		}, a.logger.Named("queue.broker"))
		if err != nil {
			return fmt.Errorf("app: init broker queue: %w", err)
		}
		a.queue = b
	case "cloud-tasks":
		ct := a.cfg.Queue.CloudTasks
		q, err := cloudtasks.New(ctx, cloudtasks.Config{
			ProjectID:           ct.ProjectID,
			Location:            ct.Location,
			QueueName:           ct.QueueName,
			ServiceURL:          ct.ServiceURL,
			ServiceAccountEmail: ct.ServiceAccountEmail,
		}, a.logger.Named("queue.cloudtasks"))
		if err != nil {
			return fmt.Errorf("app: init cloud tasks queue: %w", err)
		}
		a.queue = q
	default:
		return fmt.Errorf("app: unknown queue provider %q", a.cfg.Queue.Provider)
	}
	return nil
}

func (a *App) initRateLimit() {
	if a.cfg.RateLimit.Unlimited {
		a.rateLimit = ratelimit.NewUnlimited()
		return
	}
	a.rateLimitClient = redisclient.NewClient(&redisclient.Options{Addr: a.cfg.Store.RedisAddr})
	a.rateLimit = ratelimit.New(a.rateLimitClient, a.cfg.RateLimit, a.logger.Named("ratelimit"))
}

func (a *App) initFetcher() error {
	if !a.cfg.Scrape.LocalFallback {
		a.fetcher = scrape.New(scrape.Config{
			BrowserURL:     a.cfg.Scrape.BrowserURL,
			Timeout:        time.Duration(a.cfg.Scrape.TimeoutSeconds) * time.Second,
			MaxRetries:     a.cfg.Scrape.MaxRetries,
			RetryDelay:     time.Duration(a.cfg.Scrape.RetryDelayMs) * time.Millisecond,
			MaxPartialDocs: a.cfg.Scrape.MaxPartialDocs,
		}, a.logger.Named("scrape"))
		return nil
	}

	probe := local.NewCollyFetcher(local.CollyConfig{Timeout: time.Duration(a.cfg.Scrape.TimeoutSeconds) * time.Second})
	headless, err := local.NewChromedpFetcher(local.ChromedpConfig{MaxParallel: a.cfg.Worker.Concurrency})
	if err != nil {
		a.logger.Warn("headless local fetcher unavailable, falling back to plain HTTP probe only", zap.Error(err))
		a.fetcher = local.NewFetcher(probe, nil, nil, a.logger.Named("scrape.local"))
		return nil
	}
	a.fetcher = local.NewFetcher(probe, headless, nil, a.logger.Named("scrape.local"))
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.cfg.Publish.ProjectID == "" || a.cfg.Publish.TopicName == "" {
		a.logger.Info("publish.project_id/topic_name not set, using in-memory Completion Publisher")
		a.publisher = publish.NewMemory()
		return nil
	}

	client, err := pubsubclient.NewClient(ctx, a.cfg.Publish.ProjectID)
	if err != nil {
		return fmt.Errorf("app: create pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.publisher = publish.New(client.Publisher(a.cfg.Publish.TopicName))
	a.logger.Info("completion publisher configured via Pub/Sub topic", zap.String("topic", a.cfg.Publish.TopicName))
	return nil
}

func (a *App) initBlobStore(ctx context.Context) error {
	if a.cfg.Blob.GCSBucket == "" {
		a.blobStore = blob.NewNoop()
		return nil
	}
	store, err := blob.NewGCSStore(ctx, a.cfg.Blob.GCSBucket, a.logger.Named("blob"))
	if err != nil {
		return fmt.Errorf("app: init GCS overflow store: %w", err)
	}
	a.blobStore = store
	return nil
}

func (a *App) initArchiver(ctx context.Context) error {
	if a.cfg.Store.ArchiveDSN == "" {
		a.logger.Info("store.archive_dsn not set, Archiver (C9) disabled")
		return nil
	}
	staleAfter := time.Duration(a.cfg.Store.ArchiveAfterHours) * time.Hour
	arc, err := archive.New(ctx, archive.Config{DSN: a.cfg.Store.ArchiveDSN, StaleAfter: staleAfter}, a.store, a.logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("app: init archiver: %w", err)
	}
	a.archiver = arc
	return nil
}

// Close gracefully shuts down every service the App owns.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing state store", zap.Error(err))
	}
	if a.rateLimitClient != nil {
		if err := a.rateLimitClient.Close(); err != nil {
			a.logger.Warn("error closing rate limiter client", zap.Error(err))
		}
	}
	if a.archiver != nil {
		a.archiver.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("error closing pubsub client", zap.Error(err))
		}
	}
	if closer, ok := a.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("error closing queue provider", zap.Error(err))
		}
	}
	if closer, ok := a.blobStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("error closing blob store", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("error syncing logger on shutdown", zap.Error(err))
	}
}
