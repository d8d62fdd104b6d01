package repo

import (
	"context"
	"errors"

	"github.com/hutch-labs/hutch-agent/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// JobFilter narrows List. Nil booleans match both values; Limit <= 0 means no
// limit. Results are returned in creation order.
type JobFilter struct {
	Finished *bool
	Merged   *bool
	Limit    int
}

// Matches reports whether job passes the filter's boolean predicates.
func (f JobFilter) Matches(job domain.Job) bool {
	if f.Finished != nil && job.Finished != *f.Finished {
		return false
	}
	if f.Merged != nil && job.Merged != *f.Merged {
		return false
	}
	return true
}

// JobRepository is the job ledger shared by the ingestor, the orchestrator
// and the reconciler. Update replaces the whole record; a reader never sees a
// partially applied update.
type JobRepository interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	Update(ctx context.Context, job domain.Job) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	ListFinished(ctx context.Context) ([]domain.Job, error)
}

// Bool returns a pointer to v for use in JobFilter.
func Bool(v bool) *bool {
	return &v
}
