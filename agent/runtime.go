package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/bundle"
	"github.com/hutch-labs/hutch-agent/internal/platform/env"
	"github.com/hutch-labs/hutch-agent/internal/platform/httpserver"
	"github.com/hutch-labs/hutch-agent/internal/platform/logging"
	platformstore "github.com/hutch-labs/hutch-agent/internal/platform/objectstore"
	"github.com/hutch-labs/hutch-agent/internal/platform/postgres"
	"github.com/hutch-labs/hutch-agent/internal/reconcile"
	"github.com/hutch-labs/hutch-agent/internal/repo"
	"github.com/hutch-labs/hutch-agent/internal/repo/memory"
	repopg "github.com/hutch-labs/hutch-agent/internal/repo/postgres"
	"github.com/hutch-labs/hutch-agent/internal/storage/objectstore"
	"github.com/hutch-labs/hutch-agent/internal/wfexs"
)

const (
	serviceName    = "hutch-agent"
	startupTimeout = 5 * time.Second
)

// runtime holds what every subcommand shares: the logger and the job ledger.
type runtime struct {
	logger  *slog.Logger
	ledger  repo.JobRepository
	db      *sql.DB
	closers []func() error
}

func setup(ctx context.Context) (*runtime, error) {
	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		return nil, configError("invalid log config", err)
	}
	if strings.TrimSpace(logLevel) != "" {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return nil, configError("invalid --log-level", err)
		}
		logCfg.Level = level
	}
	logger, closeLog, err := logging.New(logCfg)
	if err != nil {
		return nil, configError("log file unavailable", err)
	}
	rt := &runtime{logger: logger, closers: []func() error{closeLog}}
	if err := rt.openLedger(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *runtime) openLedger(ctx context.Context) error {
	mode := strings.ToLower(strings.TrimSpace(env.String("HUTCH_LEDGER", "postgres")))
	switch mode {
	case "memory":
		rt.logger.Warn("using in-memory job ledger, jobs are lost on exit")
		rt.ledger = memory.NewJobStore()
		return nil
	case "", "postgres":
	default:
		return configError("unsupported ledger", fmt.Errorf("HUTCH_LEDGER=%q", mode))
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return configError("invalid database config", err)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return unavailable("database unavailable", err)
	}
	rt.closers = append(rt.closers, db.Close)
	rt.db = db

	autoMigrate, err := env.Bool("HUTCH_LEDGER_MIGRATE", false)
	if err != nil {
		return configError("invalid env", err)
	}
	if autoMigrate {
		if err := repopg.Migrate(ctx, db); err != nil {
			return unavailable("ledger migration failed", err)
		}
		rt.logger.Info("ledger schema applied")
	}
	rt.ledger = repopg.NewJobStore(db)
	return nil
}

func (rt *runtime) readinessChecks() []httpserver.ReadinessCheck {
	if rt.db == nil {
		return nil
	}
	return []httpserver.ReadinessCheck{{Name: "postgres", Check: rt.db.PingContext}}
}

// openGateway connects to the results bucket, creating it when missing.
func (rt *runtime) openGateway(ctx context.Context) (objectstore.Gateway, httpserver.ReadinessCheck, error) {
	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		return nil, httpserver.ReadinessCheck{}, configError("invalid object store config", err)
	}
	client, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, httpserver.ReadinessCheck{}, configError("object store client init failed", err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := platformstore.EnsureBucket(startupCtx, client, storeCfg); err != nil {
		return nil, httpserver.ReadinessCheck{}, unavailable("object store unavailable", err)
	}
	gateway, err := objectstore.NewMinioGatewayWithClient(client, storeCfg.Bucket, storeCfg.Prefix)
	if err != nil {
		return nil, httpserver.ReadinessCheck{}, configError("storage gateway init failed", err)
	}
	check := httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			return platformstore.CheckBucket(ctx, client, storeCfg)
		},
	}
	return gateway, check, nil
}

type pipeline struct {
	ingestor     *bundle.Ingestor
	orchestrator *wfexs.Orchestrator
	maxBytes     int64
}

func (rt *runtime) pipeline() (pipeline, error) {
	bundleCfg, err := bundle.ConfigFromEnv()
	if err != nil {
		return pipeline{}, configError("invalid bundle config", err)
	}
	ingestor, err := bundle.NewIngestor(bundleCfg, rt.ledger, rt.logger)
	if err != nil {
		return pipeline{}, configError("bundle ingestor init failed", err)
	}
	wfCfg, err := wfexs.ConfigFromEnv()
	if err != nil {
		return pipeline{}, configError("invalid workflow engine config", err)
	}
	if err := os.MkdirAll(wfCfg.ResultsDir, 0o755); err != nil {
		return pipeline{}, unavailable("results dir unavailable", err)
	}
	orchestrator, err := wfexs.NewOrchestrator(wfCfg, rt.ledger, rt.logger)
	if err != nil {
		return pipeline{}, configError("workflow engine init failed", err)
	}
	return pipeline{ingestor: ingestor, orchestrator: orchestrator, maxBytes: bundleCfg.MaxBytes}, nil
}

func (rt *runtime) reconciler(gateway objectstore.Gateway) (*reconcile.Reconciler, error) {
	cfg, err := reconcile.ConfigFromEnv()
	if err != nil {
		return nil, configError("invalid reconciler config", err)
	}
	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return nil, unavailable("results dir unavailable", err)
	}
	rec, err := reconcile.New(cfg, reconcile.Deps{Gateway: gateway, Ledger: rt.ledger, Logger: rt.logger})
	if err != nil {
		return nil, configError("reconciler init failed", err)
	}
	return rec, nil
}

func (rt *runtime) requireDB() error {
	if rt.db == nil {
		return configError("postgres ledger required", errors.New("HUTCH_LEDGER is not postgres"))
	}
	return nil
}
