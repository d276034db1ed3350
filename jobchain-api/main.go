package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/jobchain/internal/execution/dispatch"
	"github.com/animus-labs/jobchain/internal/execution/engine"
	"github.com/animus-labs/jobchain/internal/execution/executor"
	"github.com/animus-labs/jobchain/internal/execution/executor/builtin"
	"github.com/animus-labs/jobchain/internal/execution/jobexec"
	"github.com/animus-labs/jobchain/internal/platform/auth"
	"github.com/animus-labs/jobchain/internal/platform/env"
	"github.com/animus-labs/jobchain/internal/platform/httpserver"
	"github.com/animus-labs/jobchain/internal/platform/metrics"
	"github.com/animus-labs/jobchain/internal/platform/objectstore"
	"github.com/animus-labs/jobchain/internal/platform/postgres"
	"github.com/animus-labs/jobchain/internal/repo"
	"github.com/animus-labs/jobchain/internal/repo/archive"
	repopg "github.com/animus-labs/jobchain/internal/repo/postgres"
	"github.com/animus-labs/jobchain/internal/service/definitions"
	"github.com/animus-labs/jobchain/internal/service/runs"
)

const serviceName = "jobchain-api"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	workers, err := env.Int("JOBCHAIN_WORKERS", dispatch.DefaultWorkers)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	queueCapacity, err := env.Int("JOBCHAIN_QUEUE_CAPACITY", dispatch.DefaultQueueCapacity)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	httpTimeout, err := env.Duration("JOBCHAIN_HTTP_EXECUTOR_TIMEOUT", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv(workers)
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := repopg.EnsureSchema(ctx, db); err != nil {
		logger.Error("schema setup failed", "error", err)
		os.Exit(1)
	}

	runStore := repopg.NewRunStore(db)
	jobStore := repopg.NewJobStore(db)
	chainStore := repopg.NewChainStore(db)

	checks := []httpserver.ReadinessCheck{{Name: "postgres", Check: postgres.Ping(db, dbCfg.PingTimeout)}}

	var runStorage repo.RunStorage = runStore
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	if storeCfg.Enabled {
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		runStorage = archive.NewStorage(runStore, objectstore.NewArtifactArchive(client, storeCfg.Bucket, storeCfg.Prefix), logger)
		checks = append(checks, httpserver.ReadinessCheck{Name: "minio", Check: objectstore.CheckBucket(client, storeCfg.Bucket)})
	}

	registry, err := executor.NewRegistry(builtin.All(&http.Client{Timeout: httpTimeout})...)
	if err != nil {
		logger.Error("executor registry init failed", "error", err)
		os.Exit(2)
	}
	resolver, err := jobexec.NewResolver(jobStore, registry)
	if err != nil {
		logger.Error("job resolver init failed", "error", err)
		os.Exit(2)
	}

	m := metrics.New()
	eng, err := engine.New(engine.Config{
		Storage:  runStorage,
		Query:    runStore,
		Registry: registry,
		Jobs:     resolver,
		Logger:   logger,
		Observer: m,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Workers:       workers,
		QueueCapacity: queueCapacity,
		Logger:        logger,
		OnDepth:       m.QueueDepth,
	})

	runSvc, err := runs.New(runs.Config{
		Storage:    runStorage,
		Query:      runStore,
		Admin:      runStore,
		Jobs:       jobStore,
		Chains:     chainStore,
		Engine:     eng,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("run service init failed", "error", err)
		os.Exit(2)
	}
	defSvc, err := definitions.New(jobStore, chainStore, logger)
	if err != nil {
		logger.Error("definition service init failed", "error", err)
		os.Exit(2)
	}

	authenticator, err := newAuthenticator(ctx)
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.Readyz(serviceName, checks...))
	mux.Handle("/metrics", m.Handler())
	newJobchainAPI(logger, defSvc, runSvc).register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.RoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	serveErr := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, handler))

	drainCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn("dispatcher drain incomplete", "error", err)
	}
	if serveErr != nil {
		logger.Error("server failed", "error", serveErr)
		os.Exit(1)
	}
}

func newAuthenticator(ctx context.Context) (auth.Authenticator, error) {
	cfg, err := auth.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case auth.ModeDev:
		return auth.NewDevAuthenticator(cfg), nil
	case auth.ModeDisabled:
		return auth.NewDisabledAuthenticator(), nil
	default:
		return auth.NewOIDCAuthenticator(ctx, cfg)
	}
}
