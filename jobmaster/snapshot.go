package jobmaster

import (
	"github.com/hanfei1991/jobcoord/model"
)

// Snapshot is a consistent view of a job master taken in its
// serialized context.
type Snapshot struct {
	JobID       model.JobID       `json:"job-id"`
	JobMasterID model.JobMasterID `json:"job-master-id"`
	Epoch       model.Epoch       `json:"epoch"`
	State       model.JobState    `json:"state"`
	Cause       string            `json:"cause,omitempty"`

	Tasks       []*model.TaskExecutionRecord `json:"tasks"`
	TaskSummary map[string]int               `json:"task-summary"`

	// ResourceManager is nil until an address is announced while running.
	ResourceManager  *model.ResourceManagerConnection `json:"resource-manager,omitempty"`
	PendingRMAddress string                           `json:"pending-rm-address,omitempty"`

	Clients []model.ClientRegistration `json:"clients"`
}

func (jm *JobMaster) snapshot() *Snapshot {
	summary := make(map[string]int)
	for state, count := range jm.tasks.Summary() {
		summary[state.String()] = count
	}
	return &Snapshot{
		JobID:            jm.jobID,
		JobMasterID:      jm.masterID,
		Epoch:            jm.epoch,
		State:            jm.state,
		Cause:            jm.cause,
		Tasks:            jm.tasks.Records(),
		TaskSummary:      summary,
		ResourceManager:  jm.registrar.Connection(),
		PendingRMAddress: jm.pendingRMAddress,
		Clients:          jm.clients.Snapshot(),
	}
}
