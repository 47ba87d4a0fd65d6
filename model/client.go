package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// ListeningBehaviour is a job client's subscription mode.
type ListeningBehaviour int32

const (
	// ResultOnly clients are only notified of the job's terminal outcome.
	ResultOnly = ListeningBehaviour(iota + 1)
	// ResultAndStateChanges clients are also notified of
	// intermediate status changes.
	ResultAndStateChanges
)

func (b ListeningBehaviour) String() string {
	switch b {
	case ResultOnly:
		return "RESULT_ONLY"
	case ResultAndStateChanges:
		return "RESULT_AND_STATE_CHANGES"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns whether b is a known behaviour.
func (b ListeningBehaviour) IsValid() bool {
	return b == ResultOnly || b == ResultAndStateChanges
}

// ParseListeningBehaviour parses the names returned by String.
func ParseListeningBehaviour(s string) (ListeningBehaviour, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RESULT_ONLY":
		return ResultOnly, nil
	case "RESULT_AND_STATE_CHANGES":
		return ResultAndStateChanges, nil
	}
	return 0, errors.Errorf("unknown listening behaviour %q", s)
}

// MarshalJSON implements json.Marshaler.
func (b ListeningBehaviour) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ListeningBehaviour) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return errors.Trace(err)
	}
	parsed, err := ParseListeningBehaviour(name)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ClientRegistration is a job client observing the job.
type ClientRegistration struct {
	Address      string             `json:"address"`
	Behaviour    ListeningBehaviour `json:"behaviour"`
	RegisteredAt time.Time          `json:"registered-at"`
}

// Acknowledge is a content-free success marker.
type Acknowledge struct{}

// RegisterJobClientSuccess confirms a job client registration.
type RegisterJobClientSuccess struct {
	JobID JobID `json:"job-id"`
}
