// Package memory is an in-process job ledger. Records are stored as values so
// callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/repo"
)

type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	order []string
	now   func() time.Time
}

var _ repo.JobRepository = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: map[string]domain.Job{},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobStore) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	job.ID = strings.TrimSpace(job.ID)
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return domain.Job{}, fmt.Errorf("%w: job %s", repo.ErrConflict, job.ID)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *JobStore) Update(ctx context.Context, job domain.Job) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	job.ID = strings.TrimSpace(job.ID)
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[job.ID]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	if err := domain.CheckImmutable(prev, job); err != nil {
		return domain.Job{}, err
	}
	job.CreatedAt = prev.CreatedAt
	job.UpdatedAt = s.now()
	s.jobs[job.ID] = job
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, id := range s.order {
		job := s.jobs[id]
		if !filter.Matches(job) {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *JobStore) ListFinished(ctx context.Context) ([]domain.Job, error) {
	return s.List(ctx, repo.JobFilter{Finished: repo.Bool(true)})
}
