package model

import (
	"encoding/json"
	"time"
)

// RegistrationOutcome is the outcome of the newest registration
// attempt at the resource manager. Failed means the last handshake
// failed and another one is scheduled.
type RegistrationOutcome int32

// Registration outcomes.
const (
	RegistrationPending = RegistrationOutcome(iota + 1)
	RegistrationRegistered
	RegistrationFailed
	RegistrationCanceled
)

var registrationOutcomeNames = map[RegistrationOutcome]string{
	RegistrationPending:    "pending",
	RegistrationRegistered: "registered",
	RegistrationFailed:     "failed",
	RegistrationCanceled:   "canceled",
}

func (o RegistrationOutcome) String() string {
	if name, ok := registrationOutcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements json.Marshaler.
func (o RegistrationOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// ResourceManagerConnection describes the connection of the job master
// to the resource manager. Only the connection with the highest
// Generation is authoritative.
type ResourceManagerConnection struct {
	Address        string              `json:"address"`
	Generation     int64               `json:"generation"`
	Outcome        RegistrationOutcome `json:"outcome"`
	RegistrationID string              `json:"registration-id,omitempty"`
	// Attempts is the number of handshakes tried for this generation.
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last-error,omitempty"`
	RegisteredAt *time.Time `json:"registered-at,omitempty"`
}

// InProgress returns whether the handshake loop of the connection is
// still running.
func (c *ResourceManagerConnection) InProgress() bool {
	return c.Outcome == RegistrationPending || c.Outcome == RegistrationFailed
}

// RegistrationRequest is the handshake sent to the resource manager.
type RegistrationRequest struct {
	JobID            JobID       `json:"job-id"`
	JobMasterID      JobMasterID `json:"job-master-id"`
	JobMasterAddress string      `json:"job-master-address"`
	Epoch            Epoch       `json:"epoch"`
}

// RegistrationResponse is the resource manager's answer to a handshake.
type RegistrationResponse struct {
	Accepted       bool   `json:"accepted"`
	RegistrationID string `json:"registration-id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
