package rpc

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanfei1991/jobcoord/model"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
	"github.com/hanfei1991/jobcoord/pkg/rpcutil"
)

// stub invokes the unary methods of one service.
type stub struct {
	cc      grpc.ClientConnInterface
	service string
}

func newStubFactory(service string) func(grpc.ClientConnInterface) *stub {
	return func(cc grpc.ClientConnInterface) *stub {
		return &stub{cc: cc, service: service}
	}
}

func (s *stub) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return s.cc.Invoke(ctx, fullMethodName(s.service, method), req, resp)
}

// Client calls the gateway of a job master. Errors are mapped back to
// the typed errors of pkg/errors.
type Client struct {
	holder *rpcutil.ClientHolder[*stub]
}

// NewClient creates a Client of the job master at addr. The connection
// is established lazily.
func NewClient(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	holder, err := rpcutil.NewGRPCDialer(newStubFactory(JobMasterServiceName), opts...)(ctx, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{holder: holder}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.holder.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	err := c.holder.Client().invoke(ctx, method, req, resp)
	return fromGRPCError(method, err)
}

// StartJob asks the job master to start the job.
func (c *Client) StartJob(ctx context.Context) error {
	return c.call(ctx, "StartJob", &StartJobRequest{}, &Empty{})
}

// SuspendJob asks the job master to suspend the job.
func (c *Client) SuspendJob(ctx context.Context, cause string) error {
	return c.call(ctx, "SuspendJob", &SuspendJobRequest{Cause: cause}, &Empty{})
}

// UpdateTaskExecutionState reports the execution state of a task attempt.
func (c *Client) UpdateTaskExecutionState(ctx context.Context, record *model.TaskExecutionRecord) error {
	return c.call(ctx, "UpdateTaskExecutionState",
		&UpdateTaskExecutionStateRequest{Record: record}, &AcknowledgeResponse{})
}

// RegisterAtResourceManager announces the resource manager at address.
func (c *Client) RegisterAtResourceManager(ctx context.Context, address string) error {
	return c.call(ctx, "RegisterAtResourceManager",
		&RegisterAtResourceManagerRequest{Address: address}, &Empty{})
}

// RegisterJobInfoTracker registers a job client. A zero timeout lets the
// job master use its default.
func (c *Client) RegisterJobInfoTracker(
	ctx context.Context, address string, behaviour model.ListeningBehaviour, timeout time.Duration,
) (*model.RegisterJobClientSuccess, error) {
	resp := &RegisterJobClientSuccessResponse{}
	err := c.call(ctx, "RegisterJobInfoTracker", &RegisterJobInfoTrackerRequest{
		ClientAddress: address,
		Behaviour:     behaviour,
		Timeout:       timeout,
	}, resp)
	if err != nil {
		return nil, err
	}
	return &model.RegisterJobClientSuccess{JobID: resp.JobID}, nil
}

// RequestClassloadingProps fetches the classloading properties of the job.
func (c *Client) RequestClassloadingProps(
	ctx context.Context, timeout time.Duration,
) (*model.ClassloadingSnapshot, error) {
	resp := &ClassloadingPropsResponse{}
	err := c.call(ctx, "RequestClassloadingProps", &RequestClassloadingPropsRequest{Timeout: timeout}, resp)
	if err != nil {
		return nil, err
	}
	if resp.Snapshot == nil {
		return nil, derror.ErrRPCResponseInvalid.GenWithStackByArgs("classloading snapshot is missing")
	}
	return resp.Snapshot, nil
}

// ResourceManagerClient registers job masters at resource managers.
// One connection is kept per resource manager address.
type ResourceManagerClient struct {
	clients *rpcutil.ClientCache[*stub]
}

// NewResourceManagerClient creates a ResourceManagerClient.
func NewResourceManagerClient(opts ...grpc.DialOption) *ResourceManagerClient {
	return &ResourceManagerClient{
		clients: rpcutil.NewClientCache(rpcutil.NewGRPCDialer(newStubFactory(ResourceManagerServiceName), opts...)),
	}
}

// RegisterJobMaster implements resourcemanager.Gateway.
func (c *ResourceManagerClient) RegisterJobMaster(
	ctx context.Context, address string, req *model.RegistrationRequest,
) (*model.RegistrationResponse, error) {
	cli, err := c.clients.Get(ctx, address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp := &model.RegistrationResponse{}
	if err := cli.invoke(ctx, "RegisterJobMaster", req, resp); err != nil {
		if status.Code(err) == codes.Unavailable {
			// The address may have moved, dial again next time.
			c.clients.Evict(address)
		}
		return nil, errors.Trace(err)
	}
	return resp, nil
}

// Close closes every connection.
func (c *ResourceManagerClient) Close() error {
	return c.clients.Close()
}

// TaskExecutorClient delivers cancel signals to the task executor
// gateway at a fixed address. It implements jobmaster.TaskCanceller.
type TaskExecutorClient struct {
	jobID model.JobID
	addr  string

	clients *rpcutil.ClientCache[*stub]
}

// NewTaskExecutorClient creates a TaskExecutorClient.
func NewTaskExecutorClient(jobID model.JobID, addr string, opts ...grpc.DialOption) *TaskExecutorClient {
	return &TaskExecutorClient{
		jobID:   jobID,
		addr:    addr,
		clients: rpcutil.NewClientCache(rpcutil.NewGRPCDialer(newStubFactory(TaskExecutorServiceName), opts...)),
	}
}

// CancelTask implements jobmaster.TaskCanceller.
func (c *TaskExecutorClient) CancelTask(
	ctx context.Context, taskID model.TaskID, attemptID model.ExecutionAttemptID,
) error {
	cli, err := c.clients.Get(ctx, c.addr)
	if err != nil {
		return errors.Trace(err)
	}
	err = cli.invoke(ctx, "CancelTask", &CancelTaskRequest{
		JobID:     c.jobID,
		TaskID:    taskID,
		AttemptID: attemptID,
	}, &Empty{})
	if err != nil {
		if status.Code(err) == codes.Unavailable {
			c.clients.Evict(c.addr)
		}
		return errors.Trace(err)
	}
	return nil
}

// Close closes the connection.
func (c *TaskExecutorClient) Close() error {
	return c.clients.Close()
}

// LoggingCanceller only logs cancel signals. It is used when no task
// executor gateway is configured.
type LoggingCanceller struct{}

// CancelTask implements jobmaster.TaskCanceller.
func (LoggingCanceller) CancelTask(_ context.Context, taskID model.TaskID, attemptID model.ExecutionAttemptID) error {
	log.L().Warn("no task executor gateway configured, cancel signal dropped",
		zap.String("task-id", string(taskID)),
		zap.Stringer("attempt-id", attemptID))
	return nil
}
