package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanfei1991/jobcoord/jobmaster"
	"github.com/hanfei1991/jobcoord/jobmaster/classloading"
	"github.com/hanfei1991/jobcoord/jobmaster/config"
	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/epoch"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

func listen(t *testing.T) net.Listener {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	return lis
}

type fakeResourceManager struct {
	requests chan *model.RegistrationRequest
}

func (rm *fakeResourceManager) RegisterJobMaster(
	ctx context.Context, req *model.RegistrationRequest,
) (*model.RegistrationResponse, error) {
	rm.requests <- req
	return &model.RegistrationResponse{Accepted: true, RegistrationID: "reg-" + string(req.JobID)}, nil
}

type fakeTaskExecutor struct {
	mu      sync.Mutex
	cancels []*CancelTaskRequest
}

func (e *fakeTaskExecutor) CancelTask(ctx context.Context, req *CancelTaskRequest) (*Empty, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, req)
	return &Empty{}, nil
}

func (e *fakeTaskExecutor) canceled() []*CancelTaskRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*CancelTaskRequest(nil), e.cancels...)
}

// startPeers serves a fake resource manager and a fake task executor
// gateway on one gRPC server.
func startPeers(t *testing.T) (string, *fakeResourceManager, *fakeTaskExecutor) {
	rm := &fakeResourceManager{requests: make(chan *model.RegistrationRequest, 16)}
	executor := &fakeTaskExecutor{}

	srv := NewGRPCServer()
	RegisterResourceManagerGatewayServer(srv, rm)
	RegisterTaskExecutorGatewayServer(srv, executor)
	lis := listen(t)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), rm, executor
}

type testEnv struct {
	jm       *jobmaster.JobMaster
	client   *Client
	peerAddr string
	rm       *fakeResourceManager
	executor *fakeTaskExecutor
}

func newTestEnv(t *testing.T, provider classloading.Provider) *testEnv {
	peerAddr, rm, executor := startPeers(t)

	lis := listen(t)
	rmClient := NewResourceManagerClient()
	canceller := NewTaskExecutorClient("job-1", peerAddr)
	timeouts := config.DefaultTimeoutConfig()
	timeouts.RegistrationBackoffMin = 10 * time.Millisecond

	ctx := context.Background()
	jm, err := jobmaster.NewJobMaster(ctx, &jobmaster.Config{
		JobID:    "job-1",
		Address:  lis.Addr().String(),
		Timeouts: timeouts,
	}, jobmaster.Params{
		Canceller:      canceller,
		EpochGenerator: epoch.NewMockEpochGenerator(),
		Classloading:   provider,
		RMGateway:      rmClient,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = jm.Run(runCtx)
	}()

	server := NewServer(jm)
	go func() {
		_ = server.Serve(lis)
	}()

	client, err := NewClient(ctx, lis.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close())
		server.Stop(context.Background())
		cancel()
		<-runDone
		jm.Close()
		require.NoError(t, rmClient.Close())
		require.NoError(t, canceller.Close())
	})
	return &testEnv{jm: jm, client: client, peerAddr: peerAddr, rm: rm, executor: executor}
}

func (env *testEnv) snapshot(t *testing.T) *jobmaster.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := env.jm.Snapshot(ctx).Get(ctx)
	require.NoError(t, err)
	return snap
}

func TestGatewayEndToEnd(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, classloading.NewStaticProvider([]string{"blob/a.jar"}, []string{"file:///lib"}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, env.client.RegisterAtResourceManager(ctx, env.peerAddr))
	require.NoError(t, env.client.StartJob(ctx))

	select {
	case req := <-env.rm.requests:
		require.Equal(t, model.JobID("job-1"), req.JobID)
		require.Equal(t, env.jm.ID(), req.JobMasterID)
		require.Equal(t, env.jm.Epoch(), req.Epoch)
	case <-ctx.Done():
		require.FailNow(t, "resource manager was not contacted")
	}
	require.Eventually(t, func() bool {
		conn := env.snapshot(t).ResourceManager
		return conn != nil && conn.Outcome == model.RegistrationRegistered
	}, 5*time.Second, 10*time.Millisecond)

	record := &model.TaskExecutionRecord{
		TaskID:    "map-0",
		AttemptID: model.ExecutionAttemptID{Epoch: env.jm.Epoch(), Attempt: 1},
		State:     model.ExecutionRunning,
	}
	require.NoError(t, env.client.UpdateTaskExecutionState(ctx, record))
	// Delivering the same report twice is harmless.
	require.NoError(t, env.client.UpdateTaskExecutionState(ctx, record))
	require.Len(t, env.snapshot(t).Tasks, 1)

	success, err := env.client.RegisterJobInfoTracker(ctx, "client-1", model.ResultOnly, time.Second)
	require.NoError(t, err)
	require.Equal(t, model.JobID("job-1"), success.JobID)

	snapshot, err := env.client.RequestClassloadingProps(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"blob/a.jar"}, snapshot.RequiredJarKeys())
	require.Equal(t, []string{"file:///lib"}, snapshot.RequiredClasspaths())

	require.NoError(t, env.client.SuspendJob(ctx, "lost leadership"))
	require.Eventually(t, func() bool {
		return len(env.executor.canceled()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	canceled := env.executor.canceled()[0]
	require.Equal(t, model.TaskID("map-0"), canceled.TaskID)
	require.Equal(t, record.AttemptID, canceled.AttemptID)

	snap := env.snapshot(t)
	require.Equal(t, model.JobStateSuspended, snap.State)
	require.Equal(t, "lost leadership", snap.Cause)
	require.Empty(t, snap.Tasks)
}

func TestGatewayErrors(t *testing.T) {
	t.Parallel()

	slow := classloading.ProviderFunc(func(ctx context.Context) (*model.ClassloadingSnapshot, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env := newTestEnv(t, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := env.client.RequestClassloadingProps(ctx, 50*time.Millisecond)
	require.True(t, derror.ErrTimeoutExceeded.Equal(err), "%+v", err)

	require.NoError(t, env.client.StartJob(ctx))
	require.NoError(t, env.client.SuspendJob(ctx, ""))
	_, err = env.client.RegisterJobInfoTracker(ctx, "client-1", model.ResultAndStateChanges, time.Second)
	require.True(t, derror.ErrJobNotAcceptingClients.Equal(err), "%+v", err)

	err = env.client.UpdateTaskExecutionState(ctx, &model.TaskExecutionRecord{TaskID: "map-0"})
	require.Error(t, err)
	require.Equal(t, codes.Internal, status.Code(errors.Cause(err)))

	err = env.client.RegisterAtResourceManager(ctx, "")
	require.Equal(t, codes.InvalidArgument, status.Code(errors.Cause(err)))

	env.jm.Close()
	err = env.client.UpdateTaskExecutionState(ctx, &model.TaskExecutionRecord{
		TaskID:    "map-0",
		AttemptID: model.ExecutionAttemptID{Epoch: env.jm.Epoch(), Attempt: 1},
		State:     model.ExecutionRunning,
	})
	require.True(t, derror.ErrJobMasterClosed.Equal(err), "%+v", err)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code codes.Code
	}{
		{derror.ErrTimeoutExceeded.GenWithStackByArgs("op"), codes.DeadlineExceeded},
		{derror.ErrJobNotAcceptingClients.GenWithStackByArgs("job-1", "SUSPENDED"), codes.FailedPrecondition},
		{derror.ErrJobMasterClosed.GenWithStackByArgs("jm-1"), codes.Unavailable},
		{derror.Wrap(derror.ErrClassloadingUnavailable, errors.New("s3 down")), codes.Internal},
		{errors.Trace(context.Canceled), codes.Canceled},
		{status.Error(codes.InvalidArgument, "bad"), codes.InvalidArgument},
	}
	for _, c := range cases {
		require.Equal(t, c.code, status.Code(toGRPCError(c.err)), "%v", c.err)
	}
	require.NoError(t, toGRPCError(nil))

	require.True(t, derror.ErrTimeoutExceeded.Equal(
		fromGRPCError("op", status.Error(codes.DeadlineExceeded, "late"))))
	require.True(t, derror.ErrJobNotAcceptingClients.Equal(
		fromGRPCError("op", status.Error(codes.FailedPrecondition, "suspended"))))
	require.True(t, derror.ErrJobMasterClosed.Equal(
		fromGRPCError("op", status.Error(codes.Unavailable, "closed"))))
	require.Equal(t, codes.Internal,
		status.Code(errors.Cause(fromGRPCError("op", status.Error(codes.Internal, "boom")))))
	require.NoError(t, fromGRPCError("op", nil))
}

func TestServerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer()
	RegisterTaskExecutorGatewayServer(srv, panickingExecutor{})
	lis := listen(t)
	go func() {
		_ = srv.Serve(lis)
	}()
	defer srv.Stop()

	cli := NewTaskExecutorClient("job-1", lis.Addr().String())
	defer func() {
		require.NoError(t, cli.Close())
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cli.CancelTask(ctx, "map-0", model.ExecutionAttemptID{Epoch: 1, Attempt: 1})
	require.Equal(t, codes.Internal, status.Code(errors.Cause(err)))
}

type panickingExecutor struct{}

func (panickingExecutor) CancelTask(context.Context, *CancelTaskRequest) (*Empty, error) {
	panic("executor bug")
}
