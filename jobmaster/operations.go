package jobmaster

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/jobmaster/resourcemanager"
	"github.com/hanfei1991/jobcoord/jobmaster/taskstatus"
	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/clock"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
	"github.com/hanfei1991/jobcoord/pkg/future"
)

// StartJob moves the job from CREATED to RUNNING. It returns once the
// request is enqueued. Starting a running job is a no-op; starting a
// suspended or finished job is an invalid transition, which is logged.
func (jm *JobMaster) StartJob() {
	jm.enqueue(&command{
		name: "start-job",
		run: func(ctx context.Context) {
			jm.onStartJob()
		},
	})
}

// SuspendJob stops the current execution of the job. Every known task
// attempt that may still run is asked to cancel, the task status table is
// cleared and the resource manager registration is abandoned. Clients are
// notified and then forgotten. It returns once the request is enqueued.
func (jm *JobMaster) SuspendJob(cause error) {
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	jm.enqueue(&command{
		name: "suspend-job",
		run: func(ctx context.Context) {
			jm.onSuspendJob(causeMsg)
		},
	})
}

// CompleteJob moves a running job into a terminal state. It is called
// by the health rollup that decides the job outcome from the task summary.
func (jm *JobMaster) CompleteJob(state model.JobState, cause error) {
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	jm.enqueue(&command{
		name: "complete-job",
		run: func(ctx context.Context) {
			jm.onCompleteJob(state, causeMsg)
		},
	})
}

// UpdateTaskExecutionState applies a task execution report. The returned
// future is completed with an acknowledgement once the report has been
// processed, whether it was applied or found stale.
func (jm *JobMaster) UpdateTaskExecutionState(
	ctx context.Context,
	record *model.TaskExecutionRecord,
) *future.Future[model.Acknowledge] {
	if err := record.Validate(); err != nil {
		return future.Failed[model.Acknowledge](errors.Trace(err))
	}

	record = record.Clone()
	fut := future.New[model.Acknowledge]()
	jm.enqueue(&command{
		name: "update-task-execution-state",
		run: func(_ context.Context) {
			if err := ctx.Err(); err != nil {
				// The sender has given up and will retry.
				fut.Fail(errors.Trace(err))
				return
			}
			jm.onUpdateTaskExecutionState(record)
			fut.Complete(model.Acknowledge{})
		},
		reject: func(err error) {
			fut.Fail(err)
		},
	})
	return fut
}

// RegisterAtResourceManager announces the address of the resource manager.
// The job master registers at it once running, and keeps retrying until
// the registration is acknowledged or superseded by a newer announcement.
func (jm *JobMaster) RegisterAtResourceManager(address string) {
	jm.enqueue(&command{
		name: "register-at-resource-manager",
		run: func(ctx context.Context) {
			jm.onRegisterAtResourceManager(address)
		},
	})
}

// RegisterJobInfoTracker registers a job client that wants to be informed
// about the job. The registration is applied only if it completes before
// the deadline, which is the earlier of ctx's deadline and now+timeout.
// A zero timeout means the default RPC timeout.
func (jm *JobMaster) RegisterJobInfoTracker(
	ctx context.Context,
	address string,
	behaviour model.ListeningBehaviour,
	timeout time.Duration,
) *future.Future[model.RegisterJobClientSuccess] {
	if address == "" {
		return future.Failed[model.RegisterJobClientSuccess](errors.New("client address is empty"))
	}
	if !behaviour.IsValid() {
		return future.Failed[model.RegisterJobClientSuccess](
			errors.Errorf("invalid listening behaviour %d", behaviour))
	}

	fut := future.New[model.RegisterJobClientSuccess]()
	stop := fut.FailAfter(jm.deadline(ctx, timeout), "register-job-info-tracker")
	jm.enqueue(&command{
		name: "register-job-info-tracker",
		run: func(_ context.Context) {
			defer stop()
			if err := ctx.Err(); err != nil {
				fut.Fail(errors.Trace(err))
				return
			}
			jm.onRegisterJobInfoTracker(fut, address, behaviour)
		},
		reject: func(err error) {
			stop()
			fut.Fail(err)
		},
	})
	return fut
}

// RequestClassloadingProps returns the job's classloading properties.
// It is a pure read and does not go through the serialized context, so
// a slow provider never delays other operations. The future fails with
// ErrTimeoutExceeded if the properties are not available before the
// deadline, which is the earlier of ctx's deadline and now+timeout.
func (jm *JobMaster) RequestClassloadingProps(
	ctx context.Context,
	timeout time.Duration,
) *future.Future[*model.ClassloadingSnapshot] {
	const op = "request-classloading-props"

	deadline := jm.deadline(ctx, timeout)
	fut := future.New[*model.ClassloadingSnapshot]()
	stop := fut.FailAfter(deadline, op)

	ok := jm.goBackground(func(bgCtx context.Context) {
		defer stop()

		ctx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()
		// Close aborts the request as well.
		go func() {
			select {
			case <-bgCtx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		startTime := clock.MonoNow()
		snapshot, err := jm.classloading.ClassloadingProps(ctx)
		jm.metrics.classloadingDuration.Observe(clock.MonoSince(startTime).Seconds())
		if err != nil {
			if errors.Cause(ctx.Err()) == context.DeadlineExceeded {
				fut.Fail(derror.ErrTimeoutExceeded.GenWithStackByArgs(op))
				return
			}
			fut.Fail(derror.Wrap(derror.ErrClassloadingUnavailable, err))
			return
		}
		fut.Complete(snapshot)
	})
	if !ok {
		stop()
		fut.Fail(derror.ErrJobMasterClosed.GenWithStackByArgs(jm.masterID))
	}
	return fut
}

// Snapshot returns a consistent view of the job master state.
func (jm *JobMaster) Snapshot(ctx context.Context) *future.Future[*Snapshot] {
	fut := future.New[*Snapshot]()
	jm.enqueue(&command{
		name: "snapshot",
		run: func(_ context.Context) {
			fut.Complete(jm.snapshot())
		},
		reject: func(err error) {
			fut.Fail(err)
		},
	})
	return fut
}

func (jm *JobMaster) deadline(ctx context.Context, timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = jm.timeouts.DefaultRPCTimeout
	}
	// The deadline is enforced by timers of the system clock.
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func (jm *JobMaster) onStartJob() {
	switch {
	case jm.state == model.JobStateRunning:
		log.L().Info("job is already running, start ignored",
			zap.String("job-id", string(jm.jobID)))
		return
	case jm.state != model.JobStateCreated:
		jm.onInvalidTransition("start")
		return
	}

	jm.tasks.Activate(jm.epoch)
	jm.setState(model.JobStateRunning, "")

	if jm.pendingRMAddress != "" {
		jm.registrar.Register(jm.pendingRMAddress)
		jm.pendingRMAddress = ""
	}
}

func (jm *JobMaster) onSuspendJob(cause string) {
	switch {
	case jm.state == model.JobStateSuspended:
		log.L().Info("job is already suspended, suspend ignored",
			zap.String("job-id", string(jm.jobID)))
		return
	case jm.state.IsTerminal():
		jm.onInvalidTransition("suspend")
		return
	}

	nonTerminal := jm.tasks.NonTerminal()
	dropped := jm.tasks.Clear()
	jm.cancelTasks(nonTerminal)

	jm.registrar.Cancel()
	jm.pendingRMAddress = ""

	// Clients registered at this moment are told about the suspension
	// before the registry is reset.
	jm.setState(model.JobStateSuspended, cause)
	clients := jm.clients.Reset()
	jm.metrics.clients.Set(0)

	log.L().Info("job suspended",
		zap.String("job-id", string(jm.jobID)),
		zap.String("cause", cause),
		zap.Int("dropped-task-records", dropped),
		zap.Int("canceled-tasks", len(nonTerminal)),
		zap.Int("dropped-clients", clients))
}

func (jm *JobMaster) onCompleteJob(state model.JobState, cause string) {
	if !state.IsTerminal() || jm.state != model.JobStateRunning {
		jm.onInvalidTransition("complete-" + state.String())
		return
	}

	jm.registrar.Cancel()
	jm.setState(state, cause)
}

func (jm *JobMaster) onUpdateTaskExecutionState(record *model.TaskExecutionRecord) {
	result := taskstatus.Stale
	// Terminal states are absorbing, the table is kept as the final view.
	if !jm.state.IsTerminal() {
		result = jm.tasks.Update(record)
	}
	jm.metrics.taskReports.WithLabelValues(result.String()).Inc()

	switch result {
	case taskstatus.Applied:
		jm.emit(&model.JobEvent{
			Type:  model.JobEventTaskUpdated,
			JobID: jm.jobID,
			Epoch: jm.epoch,
			State: jm.state,
			Task:  record.Clone(),
			Time:  jm.clock.Now(),
		})
	case taskstatus.Stale:
		if jm.staleLogLimit.Allow() {
			log.L().Info("stale task execution report ignored",
				zap.String("job-id", string(jm.jobID)),
				zap.String("task-id", string(record.TaskID)),
				zap.Stringer("attempt-id", record.AttemptID),
				zap.Stringer("execution-state", record.State),
				zap.Int64("epoch", jm.epoch),
				zap.Stringer("job-state", jm.state))
		}
	}
}

func (jm *JobMaster) onRegisterAtResourceManager(address string) {
	switch {
	case jm.state == model.JobStateCreated:
		// Registration starts with the job.
		jm.pendingRMAddress = address
		log.L().Info("resource manager address recorded, will register on start",
			zap.String("job-id", string(jm.jobID)),
			zap.String("rm-address", address))
	case jm.state == model.JobStateRunning:
		jm.registrar.Register(address)
	default:
		log.L().Info("resource manager announcement ignored",
			zap.String("job-id", string(jm.jobID)),
			zap.String("rm-address", address),
			zap.Stringer("job-state", jm.state))
	}
}

func (jm *JobMaster) onRegistrationOutcome(outcome *resourcemanager.Outcome) {
	jm.enqueue(&command{
		name: "registration-outcome",
		run: func(ctx context.Context) {
			label := "discarded"
			if jm.registrar.Accept(outcome) {
				label = "failed"
				if outcome.Err == nil {
					label = "accepted"
				}
			}
			jm.metrics.registrationOutcomes.WithLabelValues(label).Inc()
		},
	})
}

func (jm *JobMaster) onRegisterJobInfoTracker(
	fut *future.Future[model.RegisterJobClientSuccess],
	address string,
	behaviour model.ListeningBehaviour,
) {
	if jm.state == model.JobStateSuspended || jm.state.IsTerminal() {
		fut.Fail(derror.ErrJobNotAcceptingClients.GenWithStackByArgs(jm.jobID, jm.state))
		return
	}

	applied := fut.Settle(func() (model.RegisterJobClientSuccess, error) {
		overwritten := jm.clients.Register(address, behaviour, jm.clock.Now())
		log.L().Info("job client registered",
			zap.String("job-id", string(jm.jobID)),
			zap.String("client-address", address),
			zap.Stringer("behaviour", behaviour),
			zap.Bool("overwritten", overwritten))
		return model.RegisterJobClientSuccess{JobID: jm.jobID}, nil
	})
	if !applied {
		log.L().Info("job client registration timed out before it was applied",
			zap.String("job-id", string(jm.jobID)),
			zap.String("client-address", address))
		return
	}
	jm.metrics.clients.Set(float64(jm.clients.Len()))
}

func (jm *JobMaster) onInvalidTransition(transition string) {
	err := derror.ErrInvalidTransition.GenWithStackByArgs(transition, jm.state)
	jm.metrics.invalidTransitions.Inc()
	log.L().Warn("invalid job state transition",
		zap.String("job-id", string(jm.jobID)),
		zap.Error(err))
}

func (jm *JobMaster) setState(state model.JobState, cause string) {
	from := jm.state
	jm.state = state
	jm.cause = cause
	jm.metrics.state.Set(float64(state))

	log.L().Info("job state changed",
		zap.String("job-id", string(jm.jobID)),
		zap.Stringer("from", from),
		zap.Stringer("to", state),
		zap.String("cause", cause))

	jm.emit(&model.JobEvent{
		Type:  model.JobEventStateChanged,
		JobID: jm.jobID,
		Epoch: jm.epoch,
		State: state,
		Cause: cause,
		Time:  jm.clock.Now(),
	})
}

// emit publishes event to subscribers, and to the clients that must
// receive it as of now.
func (jm *JobMaster) emit(event *model.JobEvent) {
	jm.events.Notify(event)
	recipients := jm.clients.Recipients(event)
	if len(recipients) == 0 {
		return
	}
	jm.notifications.Notify(&model.ClientNotification{
		Event:      event,
		Recipients: recipients,
	})
}
