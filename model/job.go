package model

import (
	"encoding/json"

	"github.com/pingcap/errors"
)

type (
	// JobID identifies a submitted job. A re-submission keeps the JobID
	// but always creates a fresh job master instance with a new Epoch.
	JobID string
	// JobMasterID identifies one job master instance (a session).
	// It is sent to the resource manager as a fencing token.
	JobMasterID = string
	// Epoch is the execution generation of a job master instance.
	// It strictly increases across instances of the same job.
	Epoch = int64
)

// JobState is the lifecycle state of a job master instance.
type JobState int32

// Job states. Finished, Failed and Canceled are terminal and are
// entered via CompleteJob only.
const (
	JobStateCreated = JobState(iota + 1)
	JobStateRunning
	JobStateSuspended
	JobStateFinished
	JobStateFailed
	JobStateCanceled
)

var jobStateNames = map[JobState]string{
	JobStateCreated:   "CREATED",
	JobStateRunning:   "RUNNING",
	JobStateSuspended: "SUSPENDED",
	JobStateFinished:  "FINISHED",
	JobStateFailed:    "FAILED",
	JobStateCanceled:  "CANCELED",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal returns whether the state is absorbing.
func (s JobState) IsTerminal() bool {
	return s == JobStateFinished || s == JobStateFailed || s == JobStateCanceled
}

// MarshalJSON implements json.Marshaler.
func (s JobState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *JobState) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return errors.Trace(err)
	}
	for state, n := range jobStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return errors.Errorf("unknown job state %q", name)
}
