package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/platform/auditlog"
	"github.com/hutch-labs/hutch-agent/internal/platform/httpserver"
	"github.com/hutch-labs/hutch-agent/internal/repo"
)

const DefaultActor = "hutch-agent"

const jobColumns = `job_id, unpacked_path, stage_file, run_id, finished, merged, created_at, updated_at`

const (
	insertJobQuery = `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	selectJobQuery = `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	lockJobQuery   = selectJobQuery + ` FOR UPDATE`
	updateJobQuery = `UPDATE jobs
		SET run_id = $2, finished = $3, merged = $4, updated_at = $5
		WHERE job_id = $1`
)

// JobStore is the postgres job ledger. Every write commits together with its
// audit event.
type JobStore struct {
	db    DB
	actor string
	now   func() time.Time
}

var _ repo.JobRepository = (*JobStore)(nil)

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db, actor: DefaultActor, now: func() time.Time { return time.Now().UTC() }}
}

func (s *JobStore) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job.ID = strings.TrimSpace(job.ID)
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	now := s.now()
	job.CreatedAt = normalizeTime(job.CreatedAt)
	job.UpdatedAt = now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			insertJobQuery,
			job.ID,
			strings.TrimSpace(job.UnpackedPath),
			strings.TrimSpace(job.StageFile),
			nullIfEmpty(job.RunID),
			job.Finished,
			job.Merged,
			job.CreatedAt,
			job.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) || isCheckViolation(err) {
				return fmt.Errorf("%w: job %s: %v", repo.ErrConflict, job.ID, err)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return s.audit(ctx, tx, domain.Job{}, job)
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *JobStore) Update(ctx context.Context, job domain.Job) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job.ID = strings.TrimSpace(job.ID)
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}

	var out domain.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := scanJob(tx.QueryRowContext(ctx, lockJobQuery, job.ID))
		if err != nil {
			return handleNotFound(err)
		}
		if err := domain.CheckImmutable(prev, job); err != nil {
			return err
		}
		job.CreatedAt = prev.CreatedAt
		job.UpdatedAt = s.now()
		if _, err := tx.ExecContext(ctx, updateJobQuery, job.ID, nullIfEmpty(job.RunID), job.Finished, job.Merged, job.UpdatedAt); err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("%w: job %s: %v", repo.ErrConflict, job.ID, err)
			}
			return fmt.Errorf("update job: %w", err)
		}
		out = job
		return s.audit(ctx, tx, prev, job)
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobQuery, id))
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	query, args := buildJobListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) ListFinished(ctx context.Context) ([]domain.Job, error) {
	return s.List(ctx, repo.JobFilter{Finished: repo.Bool(true)})
}

func buildJobListQuery(filter repo.JobFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Finished != nil {
		args = append(args, *filter.Finished)
		clauses = append(clauses, fmt.Sprintf("finished = $%d", len(args)))
	}
	if filter.Merged != nil {
		args = append(args, *filter.Merged)
		clauses = append(clauses, fmt.Sprintf("merged = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var runID sql.NullString
	if err := row.Scan(&job.ID, &job.UnpackedPath, &job.StageFile, &runID, &job.Finished, &job.Merged, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if runID.Valid {
		job.RunID = runID.String
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (s *JobStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *JobStore) audit(ctx context.Context, tx *sql.Tx, prev, next domain.Job) error {
	requestID, _ := httpserver.RequestIDFromContext(ctx)
	_, err := auditlog.Insert(ctx, tx, auditlog.Event{
		OccurredAt: next.UpdatedAt,
		Actor:      s.actor,
		Action:     auditlog.ActionFor(prev, next),
		JobID:      next.ID,
		RunID:      next.RunID,
		RequestID:  requestID,
		Payload:    auditlog.JobPayload(next),
	})
	return err
}
