// Package bundle turns an uploaded RO-Crate archive into a ready-to-run job:
// it unpacks the archive, validates the crate's main entity as a stage file,
// rewrites staged input references to absolute paths and records the job.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hutch-labs/hutch-agent/internal/archive"
	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/repo"
	"github.com/hutch-labs/hutch-agent/internal/rocrate"
)

type Ingestor struct {
	cfg    Config
	ledger repo.JobRepository
	logger *slog.Logger
	newID  func() string
}

func NewIngestor(cfg Config, ledger repo.JobRepository, logger *slog.Logger) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.New("job ledger is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		cfg:    cfg,
		ledger: ledger,
		logger: logger.With("component", "bundle"),
		newID:  uuid.NewString,
	}, nil
}

// Ingest unpacks archive into a fresh directory and records a job for it.
// On any failure the directory is removed and no job is recorded.
func (i *Ingestor) Ingest(ctx context.Context, archive io.Reader) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	id := i.newID()
	workDir := filepath.Join(i.cfg.ExtractRoot, id)
	logger := i.logger.With("job_id", id)

	job, err := i.ingest(ctx, logger, id, workDir, archive)
	if err != nil {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Warn("remove work dir failed", "dir", workDir, "error", rmErr)
		}
		return domain.Job{}, err
	}
	logger.Info("bundle ingested", "unpacked_path", job.UnpackedPath, "stage_file", job.StageFile)
	return job, nil
}

func (i *Ingestor) ingest(ctx context.Context, logger *slog.Logger, id, workDir string, archive io.Reader) (domain.Job, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return domain.Job{}, fmt.Errorf("create work dir: %w", err)
	}
	spooled, size, err := spool(i.cfg.ExtractRoot, archive, i.cfg.MaxBytes)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		_ = spooled.Close()
		_ = os.Remove(spooled.Name())
	}()
	if err := extract(spooled, size, workDir, i.cfg.MaxExtractedBytes); err != nil {
		return domain.Job{}, err
	}

	metadataPath, err := FindMetadata(workDir)
	if err != nil {
		return domain.Job{}, err
	}
	crateRoot, err := filepath.Abs(filepath.Dir(metadataPath))
	if err != nil {
		return domain.Job{}, fmt.Errorf("resolve crate root: %w", err)
	}
	graph, err := rocrate.ReadFile(metadataPath)
	if err != nil {
		return domain.Job{}, err
	}
	main, err := graph.MainEntity()
	if err != nil {
		return domain.Job{}, err
	}
	stagePath, err := i.stagePath(crateRoot, main.ID)
	if err != nil {
		return domain.Job{}, err
	}

	backup, reused, err := backupStageFile(stagePath)
	if err != nil {
		return domain.Job{}, err
	}
	if reused {
		logger.Warn("stage backup already exists, reusing it", "backup", backup)
	}
	res, err := RewriteStageFile(logger, backup, stagePath, crateRoot)
	if err != nil {
		return domain.Job{}, err
	}
	logger.Info("stage file rewritten", "stage_file", stagePath, "lines", res.Lines, "rewritten", res.Rewritten, "skipped", res.Skipped)
	if err := checkStageYAML(stagePath); err != nil {
		logger.Warn("rewritten stage file is not valid yaml", "stage_file", stagePath, "error", err)
	}

	return i.ledger.Create(ctx, domain.Job{
		ID:           id,
		UnpackedPath: crateRoot,
		StageFile:    stagePath,
	})
}

// stagePath validates the main entity as an existing stage file inside root.
func (i *Ingestor) stagePath(root, entityID string) (string, error) {
	rel := strings.TrimPrefix(strings.TrimSpace(entityID), "./")
	if rel == "" || strings.Contains(rel, "://") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is not a path inside the crate", ErrInvalidMainEntity, entityID)
	}
	p := filepath.Join(root, filepath.FromSlash(rel))
	if !archive.Within(root, p) || p == root {
		return "", fmt.Errorf("%w: %q escapes the crate root", ErrInvalidMainEntity, entityID)
	}
	info, err := os.Lstat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidMainEntity, entityID, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q is not a regular file", ErrInvalidMainEntity, entityID)
	}
	if !i.cfg.hasStageExtension(p) {
		return "", fmt.Errorf("%w: %q does not have a stage extension %v", ErrInvalidMainEntity, entityID, i.cfg.StageExtensions)
	}
	return p, nil
}

// FindMetadata returns the shallowest ro-crate-metadata.json under dir. Two
// candidates at the same depth make the crate ambiguous.
func FindMetadata(dir string) (string, error) {
	var (
		found []string
		depth = -1
	)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		level := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() {
			if depth >= 0 && level >= depth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != rocrate.MetadataFileName || !d.Type().IsRegular() {
			return nil
		}
		switch {
		case depth < 0 || level < depth:
			depth = level
			found = []string{p}
		case level == depth:
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search metadata: %w", err)
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%w: no %s in bundle", ErrMetadataNotFound, rocrate.MetadataFileName)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: %d candidates at the same depth", ErrMetadataNotFound, len(found))
	}
}
