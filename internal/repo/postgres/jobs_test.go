package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hutch-labs/hutch-agent/internal/repo"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestBuildJobListQuery(t *testing.T) {
	query, args := buildJobListQuery(repo.JobFilter{})
	if strings.Contains(query, "WHERE") || len(args) != 0 {
		t.Fatalf("empty filter produced %q %v", query, args)
	}
	if !strings.HasSuffix(query, "ORDER BY seq ASC") {
		t.Fatalf("expected creation order, got %q", query)
	}

	query, args = buildJobListQuery(repo.JobFilter{Finished: repo.Bool(true), Merged: repo.Bool(false), Limit: 10})
	if !strings.Contains(query, "WHERE finished = $1 AND merged = $2") {
		t.Fatalf("unexpected predicates in %q", query)
	}
	if !strings.HasSuffix(query, "LIMIT $3") {
		t.Fatalf("expected limit placeholder in %q", query)
	}
	if got := fmt.Sprint(args); got != "[true false 10]" {
		t.Fatalf("args=%s", got)
	}

	query, args = buildJobListQuery(repo.JobFilter{Merged: repo.Bool(true)})
	if !strings.Contains(query, "WHERE merged = $1") || len(args) != 1 {
		t.Fatalf("merged-only filter produced %q %v", query, args)
	}
}

func TestJobQueriesLockOnUpdate(t *testing.T) {
	if !strings.HasSuffix(lockJobQuery, "FOR UPDATE") {
		t.Fatalf("expected row lock in %q", lockJobQuery)
	}
	if strings.Contains(updateJobQuery, "unpacked_path") || strings.Contains(updateJobQuery, "stage_file") {
		t.Fatalf("update must not rewrite identity columns: %q", updateJobQuery)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("insert job: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatalf("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("23503 is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
	if !isCheckViolation(&pgconn.PgError{Code: "23514"}) {
		t.Fatalf("expected 23514 to be a check violation")
	}
	if isCheckViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("23505 is not a check violation")
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS jobs", "CREATE TABLE IF NOT EXISTS job_events", "NOT merged OR finished"} {
		if !strings.Contains(schemaSQL, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}

func TestNewJobStoreNilDB(t *testing.T) {
	if NewJobStore(nil) != nil {
		t.Fatalf("NewJobStore(nil) expected nil store")
	}
}
