package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job tracks one workflow execution from bundle ingestion to merged upload.
//
// ID, UnpackedPath and StageFile are fixed at creation. RunID is attached once
// by the orchestrator. Finished reflects whether a provenance package exists
// for RunID; Merged is set by the reconciler after the merged crate has been
// handed to the storage gateway.
type Job struct {
	ID           string    `json:"id"`
	UnpackedPath string    `json:"unpacked_path"`
	StageFile    string    `json:"stage_file"`
	RunID        string    `json:"run_id,omitempty"`
	Finished     bool      `json:"finished"`
	Merged       bool      `json:"merged"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var ErrRunIDAlreadySet = errors.New("run id already set")

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.UnpackedPath) == "" {
		return errors.New("unpacked path is required")
	}
	if j.Merged && !j.Finished {
		return errors.New("job cannot be merged before it is finished")
	}
	if j.Finished && strings.TrimSpace(j.RunID) == "" {
		return errors.New("finished job requires a run id")
	}
	return nil
}

// AttachRunID sets the engine run identifier. A run id never changes once set.
func (j *Job) AttachRunID(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	if j.RunID != "" && j.RunID != runID {
		return fmt.Errorf("%w: job %s has %s", ErrRunIDAlreadySet, j.ID, j.RunID)
	}
	j.RunID = runID
	return nil
}

// CheckImmutable rejects an update that would rewrite identity fields.
func CheckImmutable(prev, next Job) error {
	if prev.UnpackedPath != next.UnpackedPath {
		return errors.New("unpacked path is immutable")
	}
	if prev.StageFile != next.StageFile {
		return errors.New("stage file is immutable")
	}
	if prev.RunID != "" && prev.RunID != next.RunID {
		return fmt.Errorf("%w: job %s", ErrRunIDAlreadySet, prev.ID)
	}
	return nil
}
