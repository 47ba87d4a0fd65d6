package model

import (
	"encoding/json"
	"fmt"

	"github.com/pingcap/errors"
)

// TaskID identifies a task (an execution vertex) of the job.
type TaskID string

// ExecutionAttemptID identifies one execution attempt of a task.
// Epoch is the generation of the job master instance the attempt
// was deployed by, and Attempt increases every time the task is restarted.
type ExecutionAttemptID struct {
	Epoch   Epoch `json:"epoch"`
	Attempt int32 `json:"attempt"`
}

func (id ExecutionAttemptID) String() string {
	return fmt.Sprintf("%d-%d", id.Epoch, id.Attempt)
}

// ExecutionState is the state of one execution attempt.
type ExecutionState int32

// Execution states, in the order an attempt normally moves through them.
const (
	ExecutionCreated = ExecutionState(iota + 1)
	ExecutionScheduled
	ExecutionDeploying
	ExecutionRunning
	ExecutionCanceling
	ExecutionFinished
	ExecutionCanceled
	ExecutionFailed
)

var executionStateNames = map[ExecutionState]string{
	ExecutionCreated:   "CREATED",
	ExecutionScheduled: "SCHEDULED",
	ExecutionDeploying: "DEPLOYING",
	ExecutionRunning:   "RUNNING",
	ExecutionCanceling: "CANCELING",
	ExecutionFinished:  "FINISHED",
	ExecutionCanceled:  "CANCELED",
	ExecutionFailed:    "FAILED",
}

func (s ExecutionState) String() string {
	if name, ok := executionStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsValid returns whether s is a known state.
func (s ExecutionState) IsValid() bool {
	_, ok := executionStateNames[s]
	return ok
}

// IsTerminal returns whether the attempt can no longer change state.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionFinished || s == ExecutionCanceled || s == ExecutionFailed
}

// Rank orders states of one attempt. A report whose state ranks lower
// than the state already recorded was delivered out of order.
// All terminal states share the highest rank.
func (s ExecutionState) Rank() int {
	if s.IsTerminal() {
		return int(ExecutionFinished)
	}
	return int(s)
}

// MarshalJSON implements json.Marshaler.
func (s ExecutionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ExecutionState) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return errors.Trace(err)
	}
	for state, n := range executionStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return errors.Errorf("unknown execution state %q", name)
}

// TaskExecutionRecord is the execution status reported by a task executor.
type TaskExecutionRecord struct {
	TaskID    TaskID             `json:"task-id"`
	AttemptID ExecutionAttemptID `json:"attempt-id"`
	State     ExecutionState     `json:"state"`
	// Cause describes the failure, if any.
	Cause        string             `json:"cause,omitempty"`
	Accumulators map[string]int64   `json:"accumulators,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *TaskExecutionRecord) Clone() *TaskExecutionRecord {
	ret := *r
	if r.Accumulators != nil {
		ret.Accumulators = make(map[string]int64, len(r.Accumulators))
		for k, v := range r.Accumulators {
			ret.Accumulators[k] = v
		}
	}
	if r.Metrics != nil {
		ret.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			ret.Metrics[k] = v
		}
	}
	return &ret
}

// Equal returns whether two records carry the same report.
func (r *TaskExecutionRecord) Equal(other *TaskExecutionRecord) bool {
	if r.TaskID != other.TaskID || r.AttemptID != other.AttemptID ||
		r.State != other.State || r.Cause != other.Cause {
		return false
	}
	if len(r.Accumulators) != len(other.Accumulators) || len(r.Metrics) != len(other.Metrics) {
		return false
	}
	for k, v := range r.Accumulators {
		if ov, ok := other.Accumulators[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range r.Metrics {
		if ov, ok := other.Metrics[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Validate checks the record is well-formed.
func (r *TaskExecutionRecord) Validate() error {
	if r.TaskID == "" {
		return errors.New("task id is empty")
	}
	if !r.State.IsValid() {
		return errors.Errorf("invalid execution state %d", r.State)
	}
	return nil
}
