package rpc

import (
	"time"

	"github.com/hanfei1991/jobcoord/model"
)

// Empty is returned by fire-and-forget operations once the request
// has been enqueued.
type Empty struct{}

// StartJobRequest asks the job master to start the job.
type StartJobRequest struct{}

// SuspendJobRequest asks the job master to suspend the job.
type SuspendJobRequest struct {
	Cause string `json:"cause,omitempty"`
}

// UpdateTaskExecutionStateRequest carries a task execution report.
type UpdateTaskExecutionStateRequest struct {
	Record *model.TaskExecutionRecord `json:"record"`
}

// AcknowledgeResponse acknowledges a task execution report.
type AcknowledgeResponse struct{}

// RegisterAtResourceManagerRequest announces a resource manager.
type RegisterAtResourceManagerRequest struct {
	Address string `json:"address"`
}

// RegisterJobInfoTrackerRequest registers a job client.
type RegisterJobInfoTrackerRequest struct {
	ClientAddress string                   `json:"client-address"`
	Behaviour     model.ListeningBehaviour `json:"behaviour"`
	Timeout       time.Duration            `json:"timeout,omitempty"`
}

// RegisterJobClientSuccessResponse confirms a client registration.
type RegisterJobClientSuccessResponse struct {
	JobID model.JobID `json:"job-id"`
}

// RequestClassloadingPropsRequest asks for the classloading properties.
type RequestClassloadingPropsRequest struct {
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ClassloadingPropsResponse carries the classloading properties.
type ClassloadingPropsResponse struct {
	Snapshot *model.ClassloadingSnapshot `json:"snapshot"`
}

// CancelTaskRequest asks a task executor to cancel an execution attempt.
type CancelTaskRequest struct {
	JobID     model.JobID              `json:"job-id"`
	TaskID    model.TaskID             `json:"task-id"`
	AttemptID model.ExecutionAttemptID `json:"attempt-id"`
}
