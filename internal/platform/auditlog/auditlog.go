// Package auditlog appends job lifecycle events to the ledger's audit table.
// Each event carries a sha256 over its canonical form so later tampering with
// a stored row is detectable.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/domain"
)

type Action string

const (
	ActionJobCreated       Action = "job.created"
	ActionRunIdentified    Action = "job.run_identified"
	ActionJobFinished      Action = "job.finished"
	ActionProvenanceFailed Action = "job.provenance_failed"
	ActionJobMerged        Action = "job.merged"
	ActionJobUpdated       Action = "job.updated"
)

type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     Action
	JobID      string
	RunID      string
	RequestID  string
	Payload    any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(string(e.Action)) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.JobID) == "" {
		return errors.New("JobID is required")
	}
	return nil
}

// ActionFor names the transition from prev to next. A zero prev means the job
// is being created.
func ActionFor(prev, next domain.Job) Action {
	switch {
	case prev.ID == "":
		return ActionJobCreated
	case next.Merged && !prev.Merged:
		return ActionJobMerged
	case next.Finished && !prev.Finished:
		return ActionJobFinished
	case next.RunID != "" && prev.RunID == "":
		return ActionRunIdentified
	case !next.Finished && next.RunID != "":
		return ActionProvenanceFailed
	default:
		return ActionJobUpdated
	}
}

// JobPayload is the snapshot stored with every job event.
func JobPayload(job domain.Job) map[string]any {
	return map[string]any{
		"unpacked_path": job.UnpackedPath,
		"stage_file":    job.StageFile,
		"run_id":        job.RunID,
		"finished":      job.Finished,
		"merged":        job.Merged,
	}
}

func Insert(ctx context.Context, q QueryRower, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertEventQuery,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(string(event.Action)),
		strings.TrimSpace(event.JobID),
		nullIfEmpty(event.RunID),
		nullIfEmpty(event.RequestID),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job event: %w", err)
	}
	return id, nil
}

const insertEventQuery = `INSERT INTO job_events (
	occurred_at,
	actor,
	action,
	job_id,
	run_id,
	request_id,
	payload,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING event_id`

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Action     string          `json:"action"`
		JobID      string          `json:"job_id"`
		RunID      string          `json:"run_id,omitempty"`
		RequestID  string          `json:"request_id,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		Actor:      strings.TrimSpace(event.Actor),
		Action:     strings.TrimSpace(string(event.Action)),
		JobID:      strings.TrimSpace(event.JobID),
		RunID:      strings.TrimSpace(event.RunID),
		RequestID:  strings.TrimSpace(event.RequestID),
		Payload:    payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
