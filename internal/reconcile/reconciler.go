// Package reconcile runs the agent's supervisory loop. Each cycle uploads
// result packages that are not yet in object storage, then merges finished
// jobs with their provenance packages and hands the merged archives over.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/repo"
	"github.com/hutch-labs/hutch-agent/internal/storage/objectstore"
)

type Deps struct {
	Gateway objectstore.Gateway
	Ledger  repo.JobRepository
	Merger  Merger
	Logger  *slog.Logger
}

type Reconciler struct {
	cfg     Config
	gateway objectstore.Gateway
	ledger  repo.JobRepository
	merger  Merger
	logger  *slog.Logger

	// cycle keeps RunOnce callers from overlapping.
	cycle sync.Mutex
}

type UploadResult struct {
	Uploaded int
	Skipped  int
	Failed   int
}

type MergeResult struct {
	Merged  int
	Skipped int
	Failed  int
}

func New(cfg Config, deps Deps) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil {
		return nil, errors.New("storage gateway is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("job ledger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	merger := deps.Merger
	if merger == nil {
		merger = NewCrateMerger(cfg.License, logger)
	}
	return &Reconciler{
		cfg:     cfg,
		gateway: deps.Gateway,
		ledger:  deps.Ledger,
		merger:  merger,
		logger:  logger.With("component", "reconciler"),
	}, nil
}

// Run repeats RunOnce until ctx is cancelled, sleeping Interval between
// cycles or less when the results dir changes. It returns nil on
// cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if r.cfg.Watch {
		ch, err := watchDir(ctx, r.logger, r.cfg.ResultsDir)
		if err != nil {
			r.logger.Warn("results dir watch unavailable, polling only", "dir", r.cfg.ResultsDir, "error", err)
		} else {
			wake = ch
		}
	}

	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.RunOnce(ctx)

		timer.Reset(r.cfg.Interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-wake:
			if !sleep(ctx, r.cfg.WatchSettle) {
				return nil
			}
		}
	}
}

// RunOnce performs one upload sweep followed by one merge sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (UploadResult, MergeResult) {
	r.cycle.Lock()
	defer r.cycle.Unlock()

	started := time.Now()
	up := r.UploadSweep(ctx)
	merged := r.MergeSweep(ctx)
	r.logger.Info("reconcile cycle",
		"uploaded", up.Uploaded, "upload_failed", up.Failed,
		"merged", merged.Merged, "merge_skipped", merged.Skipped, "merge_failed", merged.Failed,
		"duration", time.Since(started))
	return up, merged
}

// UploadSweep hands every regular file in the results dir that the gateway
// does not have yet to the gateway. A failing file does not stop the sweep.
func (r *Reconciler) UploadSweep(ctx context.Context) UploadResult {
	var res UploadResult
	entries, err := os.ReadDir(r.cfg.ResultsDir)
	if err != nil {
		r.log(ctx, "read results dir failed", "dir", r.cfg.ResultsDir, "error", err)
		return res
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res
		}
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(r.cfg.ResultsDir, entry.Name())
		exists, err := r.gateway.Exists(ctx, entry.Name())
		if err != nil {
			res.Failed++
			r.log(ctx, "result lookup failed", "file", entry.Name(), "error", err)
			continue
		}
		if exists {
			res.Skipped++
			continue
		}
		if err := r.gateway.Upload(ctx, path); err != nil {
			res.Failed++
			r.log(ctx, "result upload failed", "file", entry.Name(), "error", err)
			continue
		}
		res.Uploaded++
		r.logger.Info("result uploaded", "file", entry.Name())
	}
	return res
}

// MergeSweep merges every finished, unmerged job in ledger order.
func (r *Reconciler) MergeSweep(ctx context.Context) MergeResult {
	var res MergeResult
	jobs, err := r.ledger.List(ctx, repo.JobFilter{Finished: repo.Bool(true), Merged: repo.Bool(false)})
	if err != nil {
		r.log(ctx, "list finished jobs failed", "error", err)
		return res
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return res
		}
		switch err := r.mergeJob(ctx, job); {
		case err == nil:
			res.Merged++
		case errors.Is(err, ErrProvenanceMissing):
			res.Skipped++
			r.logger.Warn("provenance package not found, skipping job", "job_id", job.ID, "run_id", job.RunID)
		default:
			res.Failed++
			r.log(ctx, "merge job failed", "job_id", job.ID, "run_id", job.RunID, "error", err)
		}
	}
	return res
}

func (r *Reconciler) mergeJob(ctx context.Context, job domain.Job) error {
	provenance := filepath.Join(r.cfg.ResultsDir, job.RunID+".zip")
	if _, err := os.Stat(provenance); err != nil {
		return fmt.Errorf("%w: %s", ErrProvenanceMissing, provenance)
	}
	archivePath, err := r.merger.Merge(ctx, job, provenance)
	if err != nil {
		return err
	}

	name := filepath.Base(archivePath)
	exists, err := r.gateway.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("check merged archive: %w", err)
	}
	if !exists {
		if err := r.gateway.Upload(ctx, archivePath); err != nil {
			return fmt.Errorf("upload merged archive: %w", err)
		}
		exists, err = r.gateway.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("confirm merged archive: %w", err)
		}
		if !exists {
			return fmt.Errorf("merged archive %s missing after upload", name)
		}
	}

	job.Merged = true
	if _, err := r.ledger.Update(ctx, job); err != nil {
		return fmt.Errorf("mark job merged: %w", err)
	}
	r.logger.Info("job merged", "job_id", job.ID, "run_id", job.RunID, "archive", name)
	return nil
}

// log reports a sweep failure unless it is only the loop shutting down.
func (r *Reconciler) log(ctx context.Context, msg string, args ...any) {
	if ctx.Err() != nil {
		return
	}
	r.logger.Warn(msg, args...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
