package jobmaster

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hanfei1991/jobcoord/jobmaster/classloading"
	"github.com/hanfei1991/jobcoord/jobmaster/clientregistry"
	"github.com/hanfei1991/jobcoord/jobmaster/config"
	"github.com/hanfei1991/jobcoord/jobmaster/resourcemanager"
	"github.com/hanfei1991/jobcoord/jobmaster/taskstatus"
	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/autoid"
	"github.com/hanfei1991/jobcoord/pkg/clock"
	"github.com/hanfei1991/jobcoord/pkg/containers"
	"github.com/hanfei1991/jobcoord/pkg/epoch"
	"github.com/hanfei1991/jobcoord/pkg/errctx"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
	"github.com/hanfei1991/jobcoord/pkg/notifier"
	"github.com/hanfei1991/jobcoord/pkg/promutil"
)

//go:generate mockgen -destination=mock/canceller_mock.go -package=mock github.com/hanfei1991/jobcoord/jobmaster TaskCanceller

// TaskCanceller signals task executors to cancel an execution attempt.
// It only delivers the signal: the outcome is reported back through
// UpdateTaskExecutionState like any other state change.
type TaskCanceller interface {
	CancelTask(ctx context.Context, taskID model.TaskID, attemptID model.ExecutionAttemptID) error
}

// Config is the static configuration of a job master.
type Config struct {
	JobID model.JobID
	// Address is where the job master's gateway can be reached.
	// It is announced to the resource manager.
	Address  string
	Timeouts config.TimeoutConfig
}

// Params are the collaborators of a job master.
type Params struct {
	dig.In

	Canceller      TaskCanceller
	EpochGenerator epoch.Generator
	Classloading   classloading.Provider
	RMGateway      resourcemanager.Gateway

	// MetricRegistry defaults to a private registry.
	MetricRegistry *promutil.Registry `optional:"true"`
	// Clock defaults to the system clock.
	Clock clock.Clock `optional:"true"`
}

// JobMaster is the coordination endpoint of one job execution.
//
// All state mutations run in a serialized execution context: operations
// enqueue a command into the mailbox and return at once, and Run executes
// the commands one at a time in arrival order. Operations that produce a
// result return a future that is settled exactly once.
type JobMaster struct {
	jobID    model.JobID
	masterID model.JobMasterID
	epoch    model.Epoch
	address  string
	timeouts config.TimeoutConfig
	clock    clock.Clock

	// The following fields are only accessed by the serialized context.
	state            model.JobState
	cause            string
	pendingRMAddress string
	tasks            *taskstatus.Aggregator

	clients      *clientregistry.Registry
	registrar    *resourcemanager.Registrar
	classloading classloading.Provider
	canceller    TaskCanceller

	// mu protects closed and makes enqueueing atomic with it.
	mu       sync.Mutex
	closed   bool
	mailbox  *containers.Deque[*command]
	runWg    sync.WaitGroup
	bgWg     sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc

	errCenter *errctx.ErrCenter
	closeOnce sync.Once

	events        *notifier.Notifier[*model.JobEvent]
	notifications *notifier.Notifier[*model.ClientNotification]

	metricRegistry *promutil.Registry
	metrics        *metrics
	staleLogLimit  *rate.Limiter
}

type command struct {
	name string
	run  func(ctx context.Context)
	// reject is called instead of run if the job master has been closed.
	// It is nil for fire-and-forget commands.
	reject func(err error)
}

// NewJobMaster creates a JobMaster in the CREATED state. A new epoch is
// allocated for it, so that reports of attempts deployed by a previous
// instance of the same job are recognized as stale.
func NewJobMaster(ctx context.Context, cfg *Config, params Params) (*JobMaster, error) {
	jobEpoch, err := params.EpochGenerator.GenerateEpoch(ctx, cfg.JobID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	registry := params.MetricRegistry
	if registry == nil {
		registry = promutil.NewRegistry()
	}

	jm := &JobMaster{
		jobID:    cfg.JobID,
		masterID: autoid.NewUUIDAllocator().AllocID(),
		epoch:    jobEpoch,
		address:  cfg.Address,
		timeouts: cfg.Timeouts.Adjust(),
		clock:    clk,

		state: model.JobStateCreated,
		tasks: taskstatus.NewAggregator(),

		clients:      clientregistry.NewRegistry(),
		classloading: params.Classloading,
		canceller:    params.Canceller,

		mailbox:   containers.NewDeque[*command](),
		errCenter: errctx.NewErrCenter(),

		events:        notifier.NewNotifier[*model.JobEvent](),
		notifications: notifier.NewNotifier[*model.ClientNotification](),

		metricRegistry: registry,
		metrics:        newMetrics(promutil.NewFactory4JobMaster(registry, string(cfg.JobID))),
		staleLogLimit:  rate.NewLimiter(rate.Every(time.Second), 10),
	}
	jm.bgCtx, jm.bgCancel = context.WithCancel(context.Background())
	jm.registrar = resourcemanager.NewRegistrar(
		params.RMGateway,
		model.RegistrationRequest{
			JobID:            jm.jobID,
			JobMasterID:      jm.masterID,
			JobMasterAddress: jm.address,
			Epoch:            jm.epoch,
		},
		jm.onRegistrationOutcome,
		jm.timeouts,
		clk,
	)
	jm.metrics.state.Set(float64(jm.state))

	log.L().Info("job master created",
		zap.String("job-id", string(jm.jobID)),
		zap.String("job-master-id", jm.masterID),
		zap.Int64("epoch", jm.epoch))
	return jm, nil
}

// JobID returns the id of the job.
func (jm *JobMaster) JobID() model.JobID {
	return jm.jobID
}

// ID returns the session id of the job master instance.
func (jm *JobMaster) ID() model.JobMasterID {
	return jm.masterID
}

// Epoch returns the execution generation of the job master instance.
func (jm *JobMaster) Epoch() model.Epoch {
	return jm.epoch
}

// Run executes the commands of the mailbox until ctx is done or the
// job master is closed. It must be called at most once: once it has
// returned, new and queued commands fail with ErrJobMasterClosed.
func (jm *JobMaster) Run(ctx context.Context) error {
	jm.mu.Lock()
	if jm.closed {
		jm.mu.Unlock()
		return derror.ErrJobMasterClosed.GenWithStackByArgs(jm.masterID)
	}
	jm.runWg.Add(1)
	jm.mu.Unlock()
	defer jm.runWg.Done()
	defer jm.stopAccepting()

	ctx, release := jm.errCenter.DeriveContext(ctx)
	defer release()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(context.Cause(ctx))
		case <-jm.mailbox.C:
		}

		for {
			cmd, ok := jm.mailbox.Pop()
			if !ok {
				break
			}
			cmd.run(ctx)
			if ctx.Err() != nil {
				return errors.Trace(context.Cause(ctx))
			}
		}
	}
}

// Close stops Run, cancels the resource manager registration and fails
// every command still in the mailbox with ErrJobMasterClosed.
func (jm *JobMaster) Close() {
	jm.closeOnce.Do(func() {
		closeErr := derror.ErrJobMasterClosed.GenWithStackByArgs(jm.masterID)

		jm.mu.Lock()
		jm.closed = true
		jm.mu.Unlock()

		jm.errCenter.OnError(closeErr)
		jm.runWg.Wait()

		jm.registrar.Close()
		jm.bgCancel()
		jm.bgWg.Wait()

		for {
			cmd, ok := jm.mailbox.Pop()
			if !ok {
				break
			}
			jm.rejectCommand(cmd, closeErr)
		}

		jm.events.Close()
		jm.notifications.Close()
		jm.metricRegistry.Unregister(string(jm.jobID))

		log.L().Info("job master closed",
			zap.String("job-id", string(jm.jobID)),
			zap.String("job-master-id", jm.masterID))
	})
}

// Subscribe returns a receiver of every state change and applied task
// update of the job. The receiver must be closed by the caller.
func (jm *JobMaster) Subscribe() *notifier.Receiver[*model.JobEvent] {
	return jm.events.NewReceiver()
}

// ClientNotifications returns a receiver of the notifications that must
// be delivered to registered job clients.
func (jm *JobMaster) ClientNotifications() *notifier.Receiver[*model.ClientNotification] {
	return jm.notifications.NewReceiver()
}

func (jm *JobMaster) enqueue(cmd *command) {
	jm.mu.Lock()
	if jm.closed {
		jm.mu.Unlock()
		jm.rejectCommand(cmd, derror.ErrJobMasterClosed.GenWithStackByArgs(jm.masterID))
		return
	}
	jm.mailbox.Add(cmd)
	jm.mu.Unlock()
}

// stopAccepting marks the mailbox closed and rejects what is left in it,
// so that no future waits for a Run loop that has exited.
func (jm *JobMaster) stopAccepting() {
	jm.mu.Lock()
	jm.closed = true
	jm.mu.Unlock()

	closeErr := derror.ErrJobMasterClosed.GenWithStackByArgs(jm.masterID)
	for {
		cmd, ok := jm.mailbox.Pop()
		if !ok {
			break
		}
		jm.rejectCommand(cmd, closeErr)
	}
}

func (jm *JobMaster) rejectCommand(cmd *command, err error) {
	if cmd.reject != nil {
		cmd.reject(err)
		return
	}
	log.L().Info("command dropped since job master is closed",
		zap.String("job-id", string(jm.jobID)),
		zap.String("command", cmd.name))
}

// goBackground runs fn in a goroutine tracked by Close. It returns false
// without running fn if the job master is closed.
func (jm *JobMaster) goBackground(fn func(ctx context.Context)) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return false
	}
	jm.bgWg.Add(1)
	go func() {
		defer jm.bgWg.Done()
		fn(jm.bgCtx)
	}()
	return true
}
