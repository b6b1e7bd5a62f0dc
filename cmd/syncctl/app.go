package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/onlyfeng/engram-sub004/internal/config"
	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/artifact"
	"github.com/onlyfeng/engram-sub004/pkg/breaker"
	"github.com/onlyfeng/engram-sub004/pkg/handlers"
	"github.com/onlyfeng/engram-sub004/pkg/kv"
	"github.com/onlyfeng/engram-sub004/pkg/materializer"
	"github.com/onlyfeng/engram-sub004/pkg/models"
	"github.com/onlyfeng/engram-sub004/pkg/queue"
	"github.com/onlyfeng/engram-sub004/pkg/ratelimit"
	"github.com/onlyfeng/engram-sub004/pkg/reaper"
	"github.com/onlyfeng/engram-sub004/pkg/repos"
	"github.com/onlyfeng/engram-sub004/pkg/runrecorder"
	"github.com/onlyfeng/engram-sub004/pkg/scheduler"
	"github.com/onlyfeng/engram-sub004/pkg/sourcefetcher"
	"github.com/onlyfeng/engram-sub004/pkg/syncerr"
	"github.com/onlyfeng/engram-sub004/pkg/worker"
)

// app bundles every component constructor needs, built once per process
// from the on-disk config. It owns the DB handle's lifecycle.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sqlx.DB

	repos   *repos.Store
	queue   *queue.Queue
	cursors *kv.Store
	breaker *breaker.Registry
	limiter *ratelimit.Limiter
	store   artifact.Store
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	db, err := sqlx.Connect("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, dberrors.FailedTo("connect to database", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	store, err := buildArtifactStore(cfg.Artifacts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build artifact store: %w", err)
	}

	cursors := kv.NewStore(db)
	breakerReg := breaker.NewRegistry(cursors, breaker.DefaultThresholds())

	var fast ratelimit.FastPath
	if cfg.Redis.Addr != "" {
		fast = buildRedisFastPath(cfg.Redis)
	}
	limiter := ratelimit.NewLimiter(fast, ratelimit.NewBucket(db), 1.0, 10.0)

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		repos:   repos.NewStore(db),
		queue:   queue.NewQueue(db, logger),
		cursors: cursors,
		breaker: breakerReg,
		limiter: limiter,
		store:   store,
	}, nil
}

func (a *app) Close() {
	_ = a.db.Close()
	_ = a.logger.Sync()
}

// unconfiguredFetcher is the integration seam for the real GitLab REST/SVN
// CLI adapter: spec §6 scopes that adapter out as an external capability the
// core consumes, not implements, so every method here returns contract_error
// until a real implementation is wired in its place.
type unconfiguredFetcher struct{}

func (unconfiguredFetcher) contractErr(method string) *syncerr.SyncError {
	return &syncerr.SyncError{Category: syncerr.CategoryContract, Message: "sourcefetcher: no adapter configured for " + method}
}

func (f unconfiguredFetcher) FetchCommitDiff(ctx context.Context, repo models.Repo, sha string) ([]byte, *syncerr.SyncError) {
	return nil, f.contractErr("FetchCommitDiff")
}
func (f unconfiguredFetcher) FetchSVNDiff(ctx context.Context, repo models.Repo, rev string) ([]byte, *syncerr.SyncError) {
	return nil, f.contractErr("FetchSVNDiff")
}
func (f unconfiguredFetcher) ListCommitsSince(ctx context.Context, repo models.Repo, cursor string, page sourcefetcher.PageOpts) ([]sourcefetcher.CommitRecord, *syncerr.SyncError) {
	return nil, f.contractErr("ListCommitsSince")
}
func (f unconfiguredFetcher) ListMergeRequests(ctx context.Context, repo models.Repo, since int64) ([]sourcefetcher.MRRecord, *syncerr.SyncError) {
	return nil, f.contractErr("ListMergeRequests")
}
func (f unconfiguredFetcher) ListReviewEvents(ctx context.Context, repo models.Repo, mrIID int64) ([]sourcefetcher.ReviewEventRecord, *syncerr.SyncError) {
	return nil, f.contractErr("ListReviewEvents")
}

func (a *app) newDispatcher() *worker.Dispatcher {
	d := worker.NewDispatcher()
	h := handlers.NewHandlers(a.db, a.repos, unconfiguredFetcher{}, a.breaker, a.limiter, a.cursors, a.logger)
	h.RegisterAll(d)
	return d
}

func (a *app) newWorker(cfg worker.Config) *worker.Worker {
	rr := runrecorder.NewRecorder(a.db)
	return worker.NewWorker(cfg, a.queue, rr, a.cursors, a.newDispatcher(), worker.NewMetrics(prometheus.DefaultRegisterer), a.logger)
}

func (a *app) newReaper(cfg reaper.Config) *reaper.Reaper {
	return reaper.NewReaper(a.db, cfg, a.logger)
}

func (a *app) newScheduler() *scheduler.Scheduler {
	return scheduler.NewScheduler(a.queue, a.logger)
}

func (a *app) newMaterializer() *materializer.Materializer {
	return materializer.NewMaterializer(a.db, a.store, unconfiguredFetcher{}, materializer.SHAMismatchStrict, a.logger)
}
