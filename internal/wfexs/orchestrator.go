// Package wfexs drives the WfExS workflow engine through a shell: one
// invocation executes the staged workflow and announces a run id on stdout,
// a second one packages the run's provenance crate into the results dir.
package wfexs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/repo"
)

var (
	ErrProcess          = errors.New("engine process failed")
	ErrRunNotIdentified = errors.New("engine run not identified")
	ErrProvenance       = errors.New("provenance package not created")
)

const (
	maxLineBytes = 1 << 20
	waitDelay    = 10 * time.Second
)

type Orchestrator struct {
	cfg    Config
	ledger repo.JobRepository
	logger *slog.Logger
}

func NewOrchestrator(cfg Config, ledger repo.JobRepository, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.New("job ledger is required")
	}
	if _, err := exec.LookPath(cfg.Shell); err != nil {
		return nil, fmt.Errorf("shell not found: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, ledger: ledger, logger: logger.With("component", "wfexs")}, nil
}

// ProvenancePath is where the provenance package for runID is published.
func (o *Orchestrator) ProvenancePath(runID string) string {
	return filepath.Join(o.cfg.ResultsDir, runID+".zip")
}

// PartialProvenancePath is the engine's write target. It is hidden from the
// reconciler until renamed to ProvenancePath.
func (o *Orchestrator) PartialProvenancePath(runID string) string {
	return filepath.Join(o.cfg.ResultsDir, "."+runID+".zip.partial")
}

// RunWorkflow executes job's stage file and then packages its provenance.
// The ledger is updated as soon as the run id is known and again once the
// provenance outcome is known. The returned job reflects the last update.
func (o *Orchestrator) RunWorkflow(ctx context.Context, job domain.Job) (domain.Job, error) {
	if strings.TrimSpace(job.StageFile) == "" {
		return job, fmt.Errorf("job %s has no stage file", job.ID)
	}
	logger := o.logger.With("job_id", job.ID)

	job, err := o.execute(ctx, logger, job)
	if err != nil {
		return job, err
	}
	return o.createProvenance(ctx, logger.With("run_id", job.RunID), job)
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, job domain.Job) (domain.Job, error) {
	cmd := o.command(ctx, o.cfg.Backend, "-L", o.cfg.LocalConfig, "execute", "-W", job.StageFile)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return job, fmt.Errorf("%w: stdout pipe: %w", ErrProcess, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return job, fmt.Errorf("%w: stderr pipe: %w", ErrProcess, err)
	}
	if err := cmd.Start(); err != nil {
		return job, fmt.Errorf("%w: start: %w", ErrProcess, err)
	}
	logger.Info("workflow execution started", "stage_file", job.StageFile, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamToLog(logger, "stderr", stderr)
	}()

	var (
		tracker   runIDTracker
		ledgerErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("engine output", "stream", "stdout", "line", line)
		runID, ok := tracker.Observe(line)
		if !ok {
			continue
		}
		logger.Info("engine run identified", "run_id", runID)
		if err := job.AttachRunID(runID); err != nil {
			ledgerErr = err
			continue
		}
		updated, err := o.ledger.Update(ctx, job)
		if err != nil {
			ledgerErr = fmt.Errorf("record run id: %w", err)
			continue
		}
		job = updated
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// keep the pipe drained so the engine is not blocked on a full buffer
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()
	runID, found := tracker.Exit()

	switch {
	case ledgerErr != nil:
		return job, ledgerErr
	case found:
		if waitErr != nil {
			logger.Warn("workflow execution exited with error after run id", "run_id", runID, "error", waitErr)
		}
		return job, nil
	case ctx.Err() != nil:
		return job, fmt.Errorf("%w: execute: %w", ErrProcess, ctx.Err())
	case scanErr != nil:
		return job, fmt.Errorf("%w: read stdout: %w", ErrProcess, scanErr)
	default:
		logger.Error("workflow execution produced no run id", "lines", tracker.lines, "exit_error", errString(waitErr))
		return job, fmt.Errorf("%w: job %s", ErrRunNotIdentified, job.ID)
	}
}

func (o *Orchestrator) createProvenance(ctx context.Context, logger *slog.Logger, job domain.Job) (domain.Job, error) {
	target := o.ProvenancePath(job.RunID)
	partial := o.PartialProvenancePath(job.RunID)
	_ = os.Remove(partial)
	args := []string{"-L", o.cfg.LocalConfig, "staged-workdir", "create-prov-crate", job.RunID, partial}
	if o.cfg.FullProvenance {
		args = append(args, "--full")
	}
	cmd := o.command(ctx, o.cfg.Backend, args...)
	out, runErr := cmd.CombinedOutput()
	if text := strings.TrimSpace(string(out)); text != "" {
		logger.Debug("provenance output", "output", text)
	}

	var failure error
	if runErr != nil {
		failure = runErr
	} else if info, err := os.Stat(partial); err != nil {
		failure = err
	} else if !info.Mode().IsRegular() {
		failure = fmt.Errorf("%s is not a regular file", partial)
	} else if err := os.Rename(partial, target); err != nil {
		failure = fmt.Errorf("publish provenance package: %w", err)
	}
	if failure != nil {
		_ = os.Remove(partial)
	}

	job.Finished = failure == nil
	updated, err := o.ledger.Update(ctx, job)
	if err != nil {
		return job, fmt.Errorf("record provenance outcome: %w", err)
	}
	if failure != nil {
		logger.Error("provenance package not created", "run_id", job.RunID, "error", failure)
		return updated, fmt.Errorf("%w: run %s: %w", ErrProvenance, job.RunID, failure)
	}
	logger.Info("provenance package created", "path", target)
	return updated, nil
}

// command builds a shell whose stdin activates the environment and then runs
// the backend with args.
func (o *Orchestrator) command(ctx context.Context, backend string, args ...string) *exec.Cmd {
	var script strings.Builder
	if venv := strings.TrimSpace(o.cfg.VenvPath); venv != "" {
		script.WriteString("source " + shellQuote(venv) + "\n")
	}
	script.WriteString(shellQuote(backend))
	for _, a := range args {
		script.WriteString(" " + shellQuote(a))
	}
	script.WriteString("\n")

	cmd := exec.CommandContext(ctx, o.cfg.Shell)
	cmd.Dir = o.cfg.ExecutorPath
	cmd.Stdin = strings.NewReader(script.String())
	cmd.WaitDelay = waitDelay
	return cmd
}

func streamToLog(logger *slog.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		logger.Debug("engine output", "stream", stream, "line", scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

// shellQuote leaves plain words alone and single-quotes everything else.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
