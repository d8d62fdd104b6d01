package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/repo"
)

func TestJobStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	created, err := store.Create(ctx, domain.Job{ID: "job-1", UnpackedPath: "/work/job-1", StageFile: "/work/job-1/wf.stage"})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("Create() did not set timestamps: %+v", created)
	}
	if _, err := store.Create(ctx, domain.Job{ID: "job-1", UnpackedPath: "/other"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("Create(duplicate) err=%v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if got.UnpackedPath != "/work/job-1" || got.Finished || got.Merged {
		t.Fatalf("Get()=%+v", got)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Get(missing) err=%v, want ErrNotFound", err)
	}
}

func TestJobStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	job, err := store.Create(ctx, domain.Job{ID: "job-1", UnpackedPath: "/work/job-1"})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}

	job.RunID = "c0ffee00-0000-4000-8000-000000000001"
	job.Finished = true
	updated, err := store.Update(ctx, job)
	if err != nil {
		t.Fatalf("Update() err=%v", err)
	}
	if !updated.CreatedAt.Equal(job.CreatedAt) {
		t.Fatalf("Update() changed CreatedAt")
	}

	moved := updated
	moved.UnpackedPath = "/elsewhere"
	if _, err := store.Update(ctx, moved); err == nil {
		t.Fatalf("Update() expected error for changed unpacked path")
	}
	rerun := updated
	rerun.RunID = "c0ffee00-0000-4000-8000-000000000002"
	if _, err := store.Update(ctx, rerun); !errors.Is(err, domain.ErrRunIDAlreadySet) {
		t.Fatalf("Update() err=%v, want ErrRunIDAlreadySet", err)
	}
	if _, err := store.Update(ctx, domain.Job{ID: "missing", UnpackedPath: "/x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Update(missing) err=%v, want ErrNotFound", err)
	}

	// mutating the returned copy must not reach the store
	updated.Merged = true
	got, _ := store.Get(ctx, "job-1")
	if got.Merged {
		t.Fatalf("store shares state with caller")
	}
}

func TestJobStoreListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	for i, state := range []struct{ finished, merged bool }{{false, false}, {true, false}, {true, true}, {true, false}} {
		job := domain.Job{ID: fmt.Sprintf("job-%d", i), UnpackedPath: "/w"}
		if state.finished {
			job.RunID = "run"
			job.Finished = true
			job.Merged = state.merged
		}
		if _, err := store.Create(ctx, job); err != nil {
			t.Fatalf("Create() err=%v", err)
		}
	}

	finished, err := store.ListFinished(ctx)
	if err != nil {
		t.Fatalf("ListFinished() err=%v", err)
	}
	if got := ids(finished); fmt.Sprint(got) != "[job-1 job-2 job-3]" {
		t.Fatalf("ListFinished()=%v", got)
	}

	pending, err := store.List(ctx, repo.JobFilter{Finished: repo.Bool(true), Merged: repo.Bool(false), Limit: 1})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if got := ids(pending); fmt.Sprint(got) != "[job-1]" {
		t.Fatalf("List()=%v", got)
	}
}

func TestJobStoreConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	if _, err := store.Create(ctx, domain.Job{ID: "job-1", UnpackedPath: "/w", RunID: "run"}); err != nil {
		t.Fatalf("Create() err=%v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(finished bool) {
			defer wg.Done()
			_, _ = store.Update(ctx, domain.Job{ID: "job-1", UnpackedPath: "/w", RunID: "run", Finished: finished})
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			job, err := store.Get(ctx, "job-1")
			if err != nil {
				t.Errorf("Get() err=%v", err)
				return
			}
			if job.RunID != "run" || job.UnpackedPath != "/w" {
				t.Errorf("torn record: %+v", job)
			}
		}()
	}
	wg.Wait()
}

func ids(jobs []domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
