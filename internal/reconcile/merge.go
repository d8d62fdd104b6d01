package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hutch-labs/hutch-agent/internal/archive"
	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/rocrate"
)

var (
	ErrProvenanceMissing = errors.New("provenance package missing")
	ErrMerge             = errors.New("merge failed")
)

// Merger folds a run's provenance package into the job's unpacked crate and
// returns the path of the merged archive.
type Merger interface {
	Merge(ctx context.Context, job domain.Job, provenancePath string) (string, error)
}

// MergedArchivePath is the sibling archive written for an unpacked crate.
func MergedArchivePath(unpackedPath string) string {
	clean := filepath.Clean(unpackedPath)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+"-merged.zip")
}

type CrateMerger struct {
	license *rocrate.License
	logger  *slog.Logger
}

func NewCrateMerger(license *rocrate.License, logger *slog.Logger) *CrateMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrateMerger{license: license, logger: logger.With("component", "merger")}
}

// Merge extracts the provenance package over the unpacked crate, keeping the
// provenance files on conflict, unions both metadata graphs with provenance
// entities taking precedence and zips the result. Running it again for the
// same inputs yields the same crate.
func (m *CrateMerger) Merge(ctx context.Context, job domain.Job, provenancePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(provenancePath)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrProvenanceMissing, provenancePath)
	}
	crateRoot := job.UnpackedPath
	metadataPath := filepath.Join(crateRoot, rocrate.MetadataFileName)
	base, err := rocrate.ReadFile(metadataPath)
	if err != nil {
		return "", fmt.Errorf("%w: read job crate: %w", ErrMerge, err)
	}

	pkg, err := os.Open(provenancePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMerge, err)
	}
	defer pkg.Close()
	held, err := archive.Extract(pkg, info.Size(), crateRoot, archive.ExtractOptions{
		Hold: func(name string) bool { return name == rocrate.MetadataFileName },
	})
	if err != nil {
		return "", fmt.Errorf("%w: extract provenance: %w", ErrMerge, err)
	}
	doc, ok := held[rocrate.MetadataFileName]
	if !ok {
		return "", fmt.Errorf("%w: provenance package has no %s", ErrMerge, rocrate.MetadataFileName)
	}
	overlay, err := rocrate.Parse(doc)
	if err != nil {
		return "", fmt.Errorf("%w: provenance metadata: %w", ErrMerge, err)
	}

	merged := rocrate.Merge(base, overlay)
	if m.license != nil {
		if err := merged.AddLicense(*m.license); err != nil {
			return "", fmt.Errorf("%w: %w", ErrMerge, err)
		}
	}
	if err := rocrate.WriteFile(metadataPath, merged); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMerge, err)
	}

	target := MergedArchivePath(crateRoot)
	count, err := archive.WriteDir(target, crateRoot)
	if err != nil {
		return "", fmt.Errorf("%w: write archive: %w", ErrMerge, err)
	}
	m.logger.Info("crate merged", "job_id", job.ID, "run_id", job.RunID, "entities", merged.Len(), "files", count, "archive", target)
	return target, nil
}
