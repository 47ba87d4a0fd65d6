package resourcemanager

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/tiflow/dm/pkg/backoff"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/jobmaster/config"
	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/clock"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

// Gateway sends registration handshakes to a resource manager.
type Gateway interface {
	RegisterJobMaster(
		ctx context.Context,
		address string,
		req *model.RegistrationRequest,
	) (*model.RegistrationResponse, error)
}

// Outcome is the result of one handshake of a registration generation.
type Outcome struct {
	Generation int64
	Address    string
	Attempt    int
	// Response is set if the resource manager accepted the registration.
	Response *model.RegistrationResponse
	// Err is set if the handshake failed or was declined.
	// The registration is retried after a failed handshake.
	Err error
}

// OutcomeHandler receives handshake outcomes from background goroutines.
// Outcomes must be passed back to Accept from the owner's context.
type OutcomeHandler func(outcome *Outcome)

// Registrar drives the registration of a job master at the resource manager.
//
// Every call to Register starts a new generation. Only the newest
// generation is authoritative: the goroutine of an older generation is
// cancelled, and outcomes it may still report are discarded by Accept.
type Registrar struct {
	gateway   Gateway
	request   model.RegistrationRequest
	onOutcome OutcomeHandler
	timeouts  config.TimeoutConfig
	clock     clock.Clock

	mu         sync.Mutex
	connection *model.ResourceManagerConnection
	generation int64
	cancel     context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// NewRegistrar creates a Registrar. onOutcome is called from background
// goroutines and must not block.
func NewRegistrar(
	gateway Gateway,
	request model.RegistrationRequest,
	onOutcome OutcomeHandler,
	timeouts config.TimeoutConfig,
	clk clock.Clock,
) *Registrar {
	return &Registrar{
		gateway:   gateway,
		request:   request,
		onOutcome: onOutcome,
		timeouts:  timeouts,
		clock:     clk,
	}
}

// Register starts registering at address and supersedes any
// registration in progress. A call for the address that is already
// being registered is a no-op. It returns whether a new generation
// has been started.
func (r *Registrar) Register(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if conn := r.connection; conn != nil && conn.Address == address && conn.InProgress() {
		log.L().Info("registration at resource manager already in progress",
			zap.String("job-id", string(r.request.JobID)),
			zap.String("rm-address", address),
			zap.Int64("generation", conn.Generation))
		return false
	}

	r.cancelLocked()

	r.generation++
	gen := r.generation
	r.connection = &model.ResourceManagerConnection{
		Address:    address,
		Generation: gen,
		Outcome:    model.RegistrationPending,
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	log.L().Info("start registering at resource manager",
		zap.String("job-id", string(r.request.JobID)),
		zap.String("rm-address", address),
		zap.Int64("generation", gen))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runRegistration(ctx, gen, address)
	}()
	return true
}

// Accept applies an outcome reported through the OutcomeHandler.
// It returns false if the outcome belongs to a superseded or cancelled
// generation, in which case it has been discarded.
func (r *Registrar) Accept(outcome *Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.connection
	if conn == nil || outcome.Generation != r.generation ||
		conn.Outcome == model.RegistrationCanceled {
		log.L().Info("stale registration outcome discarded",
			zap.String("job-id", string(r.request.JobID)),
			zap.String("rm-address", outcome.Address),
			zap.Int64("outcome-generation", outcome.Generation),
			zap.Int64("current-generation", r.generation))
		return false
	}

	conn.Attempts = outcome.Attempt
	if outcome.Err != nil {
		// The registration goroutine retries after a backoff.
		conn.Outcome = model.RegistrationFailed
		conn.LastError = outcome.Err.Error()
		return true
	}

	conn.Outcome = model.RegistrationRegistered
	conn.RegistrationID = outcome.Response.RegistrationID
	registeredAt := r.clock.Now()
	conn.RegisteredAt = &registeredAt
	conn.LastError = ""
	log.L().Info("registered at resource manager",
		zap.String("job-id", string(r.request.JobID)),
		zap.String("rm-address", conn.Address),
		zap.Int64("generation", conn.Generation),
		zap.String("registration-id", conn.RegistrationID),
		zap.Int("attempts", conn.Attempts))
	return true
}

// Cancel stops the registration in progress, if any, and marks the
// current connection canceled even if it has been registered.
func (r *Registrar) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked()
}

// Close cancels the registration and waits for background goroutines.
func (r *Registrar) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancelLocked()
	r.mu.Unlock()

	r.wg.Wait()
}

// Connection returns a copy of the current connection, or nil if
// Register has never been called.
func (r *Registrar) Connection() *model.ResourceManagerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection == nil {
		return nil
	}
	conn := *r.connection
	return &conn
}

// Generation returns the current generation counter.
func (r *Registrar) Generation() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.generation
}

func (r *Registrar) cancelLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.connection != nil {
		r.connection.Outcome = model.RegistrationCanceled
		r.connection.RegistrationID = ""
	}
}

func newRetryBackoff(tc config.TimeoutConfig) (*backoff.Backoff, error) {
	return backoff.NewBackoff(
		tc.RegistrationBackoffFactor,
		tc.RegistrationBackoffJitter,
		tc.RegistrationBackoffMin,
		tc.RegistrationBackoffMax)
}

func (r *Registrar) runRegistration(ctx context.Context, gen int64, address string) {
	bf, err := newRetryBackoff(r.timeouts)
	if err != nil {
		r.onOutcome(&Outcome{Generation: gen, Address: address, Err: err})
		return
	}
	for attempt := 1; ; attempt++ {
		resp, err := r.handshake(ctx, address)
		if ctx.Err() != nil {
			// Superseded or cancelled, the result is meaningless now.
			return
		}

		outcome := &Outcome{
			Generation: gen,
			Address:    address,
			Attempt:    attempt,
		}
		if err == nil {
			outcome.Response = resp
			r.onOutcome(outcome)
			return
		}

		outcome.Err = err
		r.onOutcome(outcome)

		delay := bf.Duration()
		log.L().Warn("registration at resource manager failed, will retry",
			zap.String("job-id", string(r.request.JobID)),
			zap.String("rm-address", address),
			zap.Int64("generation", gen),
			zap.Int("attempt", attempt),
			zap.Duration("retry-after", delay),
			zap.Error(err))

		timer := r.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Registrar) handshake(ctx context.Context, address string) (*model.RegistrationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeouts.RegistrationHandshakeTimeout)
	defer cancel()

	startTime := clock.MonoNow()
	req := r.request
	resp, err := r.gateway.RegisterJobMaster(ctx, address, &req)
	if err != nil {
		return nil, derror.Wrap(derror.ErrRegistrationUnreachable, err, address)
	}
	if resp == nil {
		return nil, derror.ErrRPCResponseInvalid.GenWithStackByArgs("empty registration response")
	}
	if !resp.Accepted {
		return nil, derror.ErrRegistrationRejected.GenWithStackByArgs(address, resp.Reason)
	}

	log.L().Debug("registration handshake finished",
		zap.String("rm-address", address),
		zap.Duration("latency", clock.MonoSince(startTime)))
	return resp, nil
}
