package model

import "time"

// JobEventType is the kind of a JobEvent.
type JobEventType int32

// Job event types.
const (
	JobEventStateChanged = JobEventType(iota + 1)
	JobEventTaskUpdated
)

func (t JobEventType) String() string {
	switch t {
	case JobEventStateChanged:
		return "state-changed"
	case JobEventTaskUpdated:
		return "task-updated"
	default:
		return "unknown"
	}
}

// JobEvent is an observable change of the job.
type JobEvent struct {
	Type  JobEventType `json:"type"`
	JobID JobID        `json:"job-id"`
	Epoch Epoch        `json:"epoch"`
	State JobState     `json:"state"`
	// Cause is set for suspensions and failures.
	Cause string               `json:"cause,omitempty"`
	Task  *TaskExecutionRecord `json:"task,omitempty"`
	Time  time.Time            `json:"time"`
}

// IsResult returns whether the event carries the job's terminal outcome.
func (e *JobEvent) IsResult() bool {
	return e.Type == JobEventStateChanged && e.State.IsTerminal()
}

// ClientNotification is a JobEvent together with the clients that
// must receive it. Recipients are resolved when the event is emitted.
type ClientNotification struct {
	Event      *JobEvent            `json:"event"`
	Recipients []ClientRegistration `json:"recipients"`
}
