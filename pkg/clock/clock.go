package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Clock is the interface used by components that need
	// to be tested with a mocked time source.
	Clock = bclock.Clock
	// Mock is a clock whose time only moves forward when told to.
	Mock = bclock.Mock
	// Timer is a timer created by a Clock.
	Timer = bclock.Timer
)

// MonotonicTime is a point on the monotonic clock. It is unaffected by
// wall clock adjustments, so it is used for measuring latencies.
type MonotonicTime time.Duration

// New returns a Clock backed by the system time.
func New() Clock {
	return bclock.New()
}

// NewMock returns a mocked Clock starting at the Unix epoch.
func NewMock() *Mock {
	return bclock.NewMock()
}

// MonoNow returns the current monotonic time.
func MonoNow() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Sub returns the duration elapsed between other and t.
func (t MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(t - other)
}

// MonoSince returns the time elapsed since t.
func MonoSince(t MonotonicTime) time.Duration {
	return MonoNow().Sub(t)
}
