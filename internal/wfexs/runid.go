package wfexs

import (
	"regexp"

	"github.com/google/uuid"
)

// The engine announces a run as "... - Instance <uuid> ...".
var instancePattern = regexp.MustCompile(`.*-\sInstance\s([0-9a-fA-F]{8}\b-[0-9a-fA-F]{4}\b-[0-9a-fA-F]{4}\b-[0-9a-fA-F]{4}\b-[0-9a-fA-F]{12}).*`)

// ClassifyLine extracts the run id announced on an engine output line. The
// id is returned in canonical lower-case form.
func ClassifyLine(line string) (string, bool) {
	m := instancePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

type trackerState int

const (
	awaitingID trackerState = iota
	idFound
	processExited
)

func (s trackerState) String() string {
	switch s {
	case awaitingID:
		return "awaiting-id"
	case idFound:
		return "id-found"
	case processExited:
		return "process-exited"
	default:
		return "unknown"
	}
}

// runIDTracker follows the engine's stdout. Only the first announced id is
// kept; lines after it are still consumed so output is not lost.
type runIDTracker struct {
	state trackerState
	runID string
	lines int
}

// Observe feeds one line and returns the run id when this line is the one
// that identified the run.
func (t *runIDTracker) Observe(line string) (string, bool) {
	t.lines++
	if t.state != awaitingID {
		return "", false
	}
	id, ok := ClassifyLine(line)
	if !ok {
		return "", false
	}
	t.state = idFound
	t.runID = id
	return id, true
}

// Exit records end of output and returns the identified run, if any.
func (t *runIDTracker) Exit() (string, bool) {
	found := t.state == idFound
	t.state = processExited
	return t.runID, found
}
