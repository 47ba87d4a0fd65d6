package config

import "time"

// TimeoutConfig holds the timing parameters of a job master.
type TimeoutConfig struct {
	// RegistrationHandshakeTimeout bounds a single handshake
	// with the resource manager.
	RegistrationHandshakeTimeout time.Duration `toml:"registration-handshake-timeout" json:"registration-handshake-timeout"`
	// RegistrationBackoffMin is the delay before the first retry.
	RegistrationBackoffMin time.Duration `toml:"registration-backoff-min" json:"registration-backoff-min"`
	// RegistrationBackoffMax caps the retry delay.
	RegistrationBackoffMax time.Duration `toml:"registration-backoff-max" json:"registration-backoff-max"`
	// RegistrationBackoffFactor is the growth factor of the retry delay.
	RegistrationBackoffFactor float64 `toml:"registration-backoff-factor" json:"registration-backoff-factor"`
	// RegistrationBackoffJitter randomizes each delay between the
	// minimum and the exponential step.
	RegistrationBackoffJitter bool `toml:"registration-backoff-jitter" json:"registration-backoff-jitter"`

	// TaskCancelTimeout bounds a single cancel signal sent to a task executor.
	TaskCancelTimeout time.Duration `toml:"task-cancel-timeout" json:"task-cancel-timeout"`
	// DefaultRPCTimeout is used when a caller does not pass a timeout.
	DefaultRPCTimeout time.Duration `toml:"default-rpc-timeout" json:"default-rpc-timeout"`
}

var defaultTimeoutConfig = TimeoutConfig{
	RegistrationHandshakeTimeout: time.Second * 10,
	RegistrationBackoffMin:       time.Millisecond * 100,
	RegistrationBackoffMax:       time.Second * 30,
	RegistrationBackoffFactor:    2,
	RegistrationBackoffJitter:    true,
	TaskCancelTimeout:            time.Second * 5,
	DefaultRPCTimeout:            time.Second * 10,
}.Adjust()

// Adjust validates the TimeoutConfig and adjusts it
func (config TimeoutConfig) Adjust() TimeoutConfig {
	var tc TimeoutConfig = config
	if tc.RegistrationBackoffMin <= 0 {
		tc.RegistrationBackoffMin = time.Millisecond * 100
	}
	// the maximum delay can never be smaller than the minimum one
	if tc.RegistrationBackoffMax < tc.RegistrationBackoffMin {
		tc.RegistrationBackoffMax = tc.RegistrationBackoffMin
	}
	if tc.RegistrationBackoffFactor < 1 {
		tc.RegistrationBackoffFactor = 1
	}
	if tc.RegistrationHandshakeTimeout <= 0 {
		tc.RegistrationHandshakeTimeout = time.Second * 10
	}
	if tc.TaskCancelTimeout <= 0 {
		tc.TaskCancelTimeout = time.Second * 5
	}
	if tc.DefaultRPCTimeout <= 0 {
		tc.DefaultRPCTimeout = time.Second * 10
	}
	return tc
}

// DefaultTimeoutConfig returns the default timing parameters.
func DefaultTimeoutConfig() TimeoutConfig {
	return defaultTimeoutConfig
}
