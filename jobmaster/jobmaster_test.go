package jobmaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hanfei1991/jobcoord/jobmaster/classloading"
	"github.com/hanfei1991/jobcoord/jobmaster/config"
	"github.com/hanfei1991/jobcoord/jobmaster/mock"
	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/epoch"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type gatewayFunc func(ctx context.Context, address string, req *model.RegistrationRequest) (*model.RegistrationResponse, error)

func (f gatewayFunc) RegisterJobMaster(
	ctx context.Context, address string, req *model.RegistrationRequest,
) (*model.RegistrationResponse, error) {
	return f(ctx, address, req)
}

func acceptingGateway() gatewayFunc {
	return func(ctx context.Context, address string, req *model.RegistrationRequest) (*model.RegistrationResponse, error) {
		return &model.RegistrationResponse{Accepted: true, RegistrationID: "reg@" + address}, nil
	}
}

type noopCanceller struct{}

func (noopCanceller) CancelTask(context.Context, model.TaskID, model.ExecutionAttemptID) error {
	return nil
}

type testJobMaster struct {
	*JobMaster
	runErr chan error
}

type testOptions struct {
	canceller TaskCanceller
	gateway   gatewayFunc
	provider  classloading.Provider
	noRun     bool
}

func newTestJobMaster(t *testing.T, opts testOptions) *testJobMaster {
	if opts.canceller == nil {
		opts.canceller = noopCanceller{}
	}
	if opts.gateway == nil {
		opts.gateway = acceptingGateway()
	}
	if opts.provider == nil {
		opts.provider = classloading.NewStaticProvider([]string{"blob-1"}, []string{"file:///cp"})
	}

	timeouts := config.DefaultTimeoutConfig()
	timeouts.RegistrationBackoffMin = time.Millisecond
	timeouts.RegistrationBackoffMax = 10 * time.Millisecond
	jm, err := NewJobMaster(context.Background(), &Config{
		JobID:    "job-1",
		Address:  "127.0.0.1:10240",
		Timeouts: timeouts,
	}, Params{
		Canceller:      opts.canceller,
		EpochGenerator: epoch.NewMockEpochGenerator(),
		Classloading:   opts.provider,
		RMGateway:      opts.gateway,
	})
	require.NoError(t, err)

	ret := &testJobMaster{JobMaster: jm, runErr: make(chan error, 1)}
	if !opts.noRun {
		ret.start()
	}
	t.Cleanup(func() {
		jm.Close()
	})
	return ret
}

func (jm *testJobMaster) start() {
	go func() {
		jm.runErr <- jm.Run(context.Background())
	}()
}

func (jm *testJobMaster) snapshot(t *testing.T) *Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := jm.Snapshot(ctx).Get(ctx)
	require.NoError(t, err)
	return snap
}

func (jm *testJobMaster) report(t *testing.T, record *model.TaskExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := jm.UpdateTaskExecutionState(ctx, record).Get(ctx)
	require.NoError(t, err)
}

func (jm *testJobMaster) newRecord(task model.TaskID, attempt int32, state model.ExecutionState) *model.TaskExecutionRecord {
	return &model.TaskExecutionRecord{
		TaskID:    task,
		AttemptID: model.ExecutionAttemptID{Epoch: jm.Epoch(), Attempt: attempt},
		State:     state,
	}
}

func TestStartJobIsIdempotent(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	events := jm.Subscribe()
	defer events.Close()

	require.Equal(t, model.JobStateCreated, jm.snapshot(t).State)
	jm.StartJob()
	jm.StartJob()
	require.Equal(t, model.JobStateRunning, jm.snapshot(t).State)

	// Exactly one transition to RUNNING was observed.
	ev := <-events.C
	require.Equal(t, model.JobEventStateChanged, ev.Type)
	require.Equal(t, model.JobStateRunning, ev.State)
	select {
	case ev := <-events.C:
		require.FailNow(t, "unexpected event", "%+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartJobAfterSuspendIsInvalid(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.StartJob()
	jm.SuspendJob(errors.New("lost leadership"))
	jm.StartJob()

	snap := jm.snapshot(t)
	require.Equal(t, model.JobStateSuspended, snap.State)
	require.Equal(t, "lost leadership", snap.Cause)
}

func TestUpdateTaskExecutionStateIdempotence(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.StartJob()

	record := jm.newRecord("map-0", 0, model.ExecutionRunning)
	record.Accumulators = map[string]int64{"records-in": 42}
	jm.report(t, record)
	once := jm.snapshot(t).Tasks

	for i := 0; i < 4; i++ {
		jm.report(t, record)
	}
	require.Equal(t, once, jm.snapshot(t).Tasks)
	require.Len(t, once, 1)
}

func TestUpdateBeforeStartIsAcknowledgedButIgnored(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.report(t, jm.newRecord("map-0", 0, model.ExecutionRunning))
	require.Empty(t, jm.snapshot(t).Tasks)
}

func TestInvalidRecordIsRejected(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	_, err := jm.UpdateTaskExecutionState(context.Background(), &model.TaskExecutionRecord{}).
		Get(context.Background())
	require.Error(t, err)
}

func TestSuspensionBarrier(t *testing.T) {
	ctrl := gomock.NewController(t)
	canceller := mock.NewMockTaskCanceller(ctrl)

	jm := newTestJobMaster(t, testOptions{canceller: canceller})
	jm.StartJob()

	running := jm.newRecord("map-0", 1, model.ExecutionRunning)
	jm.report(t, running)
	jm.report(t, jm.newRecord("map-1", 0, model.ExecutionFinished))
	jm.report(t, jm.newRecord("sink-0", 0, model.ExecutionDeploying))
	require.Len(t, jm.snapshot(t).Tasks, 3)

	var wg sync.WaitGroup
	wg.Add(2)
	canceller.EXPECT().CancelTask(gomock.Any(), model.TaskID("map-0"), running.AttemptID).
		DoAndReturn(func(context.Context, model.TaskID, model.ExecutionAttemptID) error {
			wg.Done()
			return nil
		})
	canceller.EXPECT().CancelTask(gomock.Any(), model.TaskID("sink-0"), gomock.Any()).
		DoAndReturn(func(context.Context, model.TaskID, model.ExecutionAttemptID) error {
			wg.Done()
			return errors.New("executor unreachable")
		})

	jm.SuspendJob(errors.New("failover"))
	jm.SuspendJob(errors.New("second suspend is a no-op"))

	// Reports of the suspended execution arrive late and are inert.
	jm.report(t, jm.newRecord("map-0", 1, model.ExecutionCanceled))
	jm.report(t, jm.newRecord("map-2", 0, model.ExecutionRunning))

	snap := jm.snapshot(t)
	require.Equal(t, model.JobStateSuspended, snap.State)
	require.Equal(t, "failover", snap.Cause)
	require.Empty(t, snap.Tasks)
	require.Empty(t, snap.TaskSummary)

	wg.Wait()
}

func TestSuspendCancelsRegistration(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{
		gateway: func(ctx context.Context, address string, req *model.RegistrationRequest) (*model.RegistrationResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	jm.StartJob()
	jm.RegisterAtResourceManager("rm-a")
	require.Equal(t, model.RegistrationPending, jm.snapshot(t).ResourceManager.Outcome)

	jm.SuspendJob(nil)
	jm.RegisterAtResourceManager("rm-b")

	snap := jm.snapshot(t)
	require.Equal(t, "rm-a", snap.ResourceManager.Address)
	require.Equal(t, model.RegistrationCanceled, snap.ResourceManager.Outcome)
}

func TestSuspendCancelsEstablishedRegistration(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.StartJob()
	jm.RegisterAtResourceManager("rm-a")
	require.Eventually(t, func() bool {
		conn := jm.snapshot(t).ResourceManager
		return conn != nil && conn.Outcome == model.RegistrationRegistered
	}, 5*time.Second, 10*time.Millisecond)

	jm.SuspendJob(nil)

	conn := jm.snapshot(t).ResourceManager
	require.Equal(t, model.JobStateSuspended, jm.snapshot(t).State)
	require.Equal(t, "rm-a", conn.Address)
	require.Equal(t, model.RegistrationCanceled, conn.Outcome)
	require.Empty(t, conn.RegistrationID)
}

func TestRegisterAtResourceManagerBeforeStart(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.RegisterAtResourceManager("rm-a")

	snap := jm.snapshot(t)
	require.Nil(t, snap.ResourceManager)
	require.Equal(t, "rm-a", snap.PendingRMAddress)

	jm.StartJob()
	require.Eventually(t, func() bool {
		conn := jm.snapshot(t).ResourceManager
		return conn != nil && conn.Outcome == model.RegistrationRegistered
	}, 5*time.Second, 10*time.Millisecond)

	snap = jm.snapshot(t)
	require.Equal(t, "rm-a", snap.ResourceManager.Address)
	require.Equal(t, "reg@rm-a", snap.ResourceManager.RegistrationID)
	require.Empty(t, snap.PendingRMAddress)
}

func TestRegistrationSupersession(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []*model.RegistrationRequest
	)
	releaseA := make(chan struct{})
	jm := newTestJobMaster(t, testOptions{
		gateway: func(ctx context.Context, address string, req *model.RegistrationRequest) (*model.RegistrationResponse, error) {
			mu.Lock()
			requests = append(requests, req)
			mu.Unlock()
			if address == "rm-a" {
				// Answers only after it has been superseded.
				select {
				case <-releaseA:
				case <-ctx.Done():
				}
				return &model.RegistrationResponse{Accepted: true, RegistrationID: "reg@rm-a"}, nil
			}
			return &model.RegistrationResponse{Accepted: true, RegistrationID: "reg@" + address}, nil
		},
	})
	jm.StartJob()
	jm.RegisterAtResourceManager("rm-a")
	jm.RegisterAtResourceManager("rm-b")
	close(releaseA)

	require.Eventually(t, func() bool {
		conn := jm.snapshot(t).ResourceManager
		return conn != nil && conn.Outcome == model.RegistrationRegistered
	}, 5*time.Second, 10*time.Millisecond)

	// rm-a never becomes the connection, even after its late answer.
	time.Sleep(50 * time.Millisecond)
	conn := jm.snapshot(t).ResourceManager
	require.Equal(t, "rm-b", conn.Address)
	require.Equal(t, "reg@rm-b", conn.RegistrationID)
	require.Equal(t, int64(2), conn.Generation)

	mu.Lock()
	defer mu.Unlock()
	for _, req := range requests {
		require.Equal(t, model.JobID("job-1"), req.JobID)
		require.Equal(t, jm.ID(), req.JobMasterID)
		require.Equal(t, jm.Epoch(), req.Epoch)
		require.Equal(t, "127.0.0.1:10240", req.JobMasterAddress)
	}
}

func TestRegisterJobInfoTracker(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	ctx := context.Background()

	resp, err := jm.RegisterJobInfoTracker(ctx, "client-a", model.ResultOnly, time.Second).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, model.JobID("job-1"), resp.JobID)

	// Last write wins.
	_, err = jm.RegisterJobInfoTracker(ctx, "client-a", model.ResultAndStateChanges, time.Second).Get(ctx)
	require.NoError(t, err)

	clients := jm.snapshot(t).Clients
	require.Len(t, clients, 1)
	require.Equal(t, model.ResultAndStateChanges, clients[0].Behaviour)

	_, err = jm.RegisterJobInfoTracker(ctx, "client-b", model.ListeningBehaviour(0), time.Second).Get(ctx)
	require.Error(t, err)
}

func TestRegisterJobInfoTrackerTimeoutAtomicity(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{noRun: true})
	ctx := context.Background()

	// The serialized context is not running yet, so the deadline
	// always fires before the registration is executed.
	fut := jm.RegisterJobInfoTracker(ctx, "client-a", model.ResultOnly, 20*time.Millisecond)
	_, err := fut.Get(ctx)
	require.True(t, derror.ErrTimeoutExceeded.Equal(err), "%v", err)

	// The context deadline counts when it is earlier.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = jm.RegisterJobInfoTracker(shortCtx, "client-b", model.ResultOnly, time.Hour).Get(ctx)
	require.True(t, derror.ErrTimeoutExceeded.Equal(err), "%v", err)

	jm.start()
	require.Empty(t, jm.snapshot(t).Clients)
}

func TestRegisterJobInfoTrackerRejectedWhenSuspended(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.StartJob()
	jm.SuspendJob(nil)

	ctx := context.Background()
	_, err := jm.RegisterJobInfoTracker(ctx, "client-a", model.ResultOnly, time.Second).Get(ctx)
	require.True(t, derror.ErrJobNotAcceptingClients.Equal(err), "%v", err)
}

func TestClientNotifications(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	notifications := jm.ClientNotifications()
	defer notifications.Close()
	ctx := context.Background()

	_, err := jm.RegisterJobInfoTracker(ctx, "result-only", model.ResultOnly, time.Second).Get(ctx)
	require.NoError(t, err)
	_, err = jm.RegisterJobInfoTracker(ctx, "all", model.ResultAndStateChanges, time.Second).Get(ctx)
	require.NoError(t, err)

	jm.StartJob()
	n := <-notifications.C
	require.Equal(t, model.JobStateRunning, n.Event.State)
	require.Len(t, n.Recipients, 1)
	require.Equal(t, "all", n.Recipients[0].Address)

	jm.report(t, jm.newRecord("map-0", 0, model.ExecutionRunning))
	n = <-notifications.C
	require.Equal(t, model.JobEventTaskUpdated, n.Event.Type)
	require.Equal(t, model.TaskID("map-0"), n.Event.Task.TaskID)
	require.Len(t, n.Recipients, 1)

	jm.CompleteJob(model.JobStateFinished, nil)
	n = <-notifications.C
	require.True(t, n.Event.IsResult())
	require.Len(t, n.Recipients, 2)

	// Terminal states are absorbing.
	jm.SuspendJob(nil)
	jm.StartJob()
	jm.report(t, jm.newRecord("map-1", 0, model.ExecutionRunning))
	snap := jm.snapshot(t)
	require.Equal(t, model.JobStateFinished, snap.State)
	require.Len(t, snap.Tasks, 1)
}

func TestSuspendNotifiesThenResetsClients(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	notifications := jm.ClientNotifications()
	defer notifications.Close()
	ctx := context.Background()

	jm.StartJob()
	_, err := jm.RegisterJobInfoTracker(ctx, "all", model.ResultAndStateChanges, time.Second).Get(ctx)
	require.NoError(t, err)

	jm.SuspendJob(errors.New("failover"))
	n := <-notifications.C
	require.Equal(t, model.JobStateSuspended, n.Event.State)
	require.Equal(t, "failover", n.Event.Cause)
	require.Len(t, n.Recipients, 1)

	require.Empty(t, jm.snapshot(t).Clients)
}

func TestCompleteJobRequiresRunning(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.CompleteJob(model.JobStateFailed, errors.New("too early"))
	require.Equal(t, model.JobStateCreated, jm.snapshot(t).State)

	jm.StartJob()
	jm.CompleteJob(model.JobStateRunning, nil)
	require.Equal(t, model.JobStateRunning, jm.snapshot(t).State)

	jm.CompleteJob(model.JobStateFailed, errors.New("task map-0 failed"))
	snap := jm.snapshot(t)
	require.Equal(t, model.JobStateFailed, snap.State)
	require.Equal(t, "task map-0 failed", snap.Cause)
}

func TestRequestClassloadingProps(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{noRun: true})
	ctx := context.Background()

	// Served even if the serialized context is not running.
	snapshot, err := jm.RequestClassloadingProps(ctx, time.Second).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"blob-1"}, snapshot.RequiredJarKeys())
	require.Equal(t, []string{"file:///cp"}, snapshot.RequiredClasspaths())
}

func TestRequestClassloadingPropsTimeout(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{
		provider: classloading.ProviderFunc(func(ctx context.Context) (*model.ClassloadingSnapshot, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	ctx := context.Background()

	_, err := jm.RequestClassloadingProps(ctx, 20*time.Millisecond).Get(ctx)
	require.True(t, derror.ErrTimeoutExceeded.Equal(err), "%v", err)

	// Other operations are not delayed by the slow provider.
	jm.StartJob()
	require.Equal(t, model.JobStateRunning, jm.snapshot(t).State)
}

func TestRequestClassloadingPropsUnavailable(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{
		provider: classloading.ProviderFunc(func(ctx context.Context) (*model.ClassloadingSnapshot, error) {
			return nil, errors.New("bucket not found")
		}),
	})
	ctx := context.Background()

	_, err := jm.RequestClassloadingProps(ctx, time.Second).Get(ctx)
	require.True(t, derror.Is(err, derror.ErrClassloadingUnavailable), "%v", err)
	require.Contains(t, err.Error(), "bucket not found")
}

func TestCloseRejectsOperations(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{noRun: true})
	ctx := context.Background()

	pending := jm.UpdateTaskExecutionState(ctx, jm.newRecord("map-0", 0, model.ExecutionRunning))
	jm.Close()

	_, err := pending.Get(ctx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)

	_, err = jm.Snapshot(ctx).Get(ctx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)
	_, err = jm.RegisterJobInfoTracker(ctx, "client-a", model.ResultOnly, time.Second).Get(ctx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)
	_, err = jm.RequestClassloadingProps(ctx, time.Second).Get(ctx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)

	// Fire-and-forget operations are dropped silently.
	jm.StartJob()
	jm.SuspendJob(nil)

	err = jm.Run(ctx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)
}

func TestCloseStopsRun(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.StartJob()
	jm.Close()

	select {
	case err := <-jm.runErr:
		require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Run did not return after Close")
	}
}

func TestRunExitRejectsOperations(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{noRun: true})
	ctx := context.Background()

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	err := jm.Run(runCtx)
	require.Equal(t, context.Canceled, errors.Cause(err))

	// Nothing runs the mailbox anymore, the futures must not hang.
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	_, err = jm.UpdateTaskExecutionState(ctx, jm.newRecord("map-0", 0, model.ExecutionRunning)).Get(waitCtx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)
	_, err = jm.Snapshot(ctx).Get(waitCtx)
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%v", err)
}

func TestConcurrentInterleaving(t *testing.T) {
	jm := newTestJobMaster(t, testOptions{})
	jm.StartJob()
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := model.TaskID("task-" + string(rune('a'+w)))
			states := []model.ExecutionState{
				model.ExecutionScheduled,
				model.ExecutionDeploying,
				model.ExecutionRunning,
				model.ExecutionFinished,
			}
			for _, state := range states {
				jm.report(t, jm.newRecord(task, 0, state))
				// Redelivery of an older report.
				jm.report(t, jm.newRecord(task, 0, model.ExecutionScheduled))
			}
			_, err := jm.RegisterJobInfoTracker(ctx, string(task), model.ResultOnly, time.Second).Get(ctx)
			require.NoError(t, err)
			jm.RegisterAtResourceManager("rm")
			_, err = jm.RequestClassloadingProps(ctx, time.Second).Get(ctx)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	snap := jm.snapshot(t)
	require.Equal(t, model.JobStateRunning, snap.State)
	require.Len(t, snap.Tasks, workers)
	for _, record := range snap.Tasks {
		require.Equal(t, model.ExecutionFinished, record.State)
	}
	require.Equal(t, map[string]int{model.ExecutionFinished.String(): workers}, snap.TaskSummary)
	require.Len(t, snap.Clients, workers)
	require.Equal(t, "rm", snap.ResourceManager.Address)
}
