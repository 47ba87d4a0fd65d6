package rpc

import (
	"context"
	"net"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanfei1991/jobcoord/model"
	"github.com/hanfei1991/jobcoord/pkg/future"
	"github.com/hanfei1991/jobcoord/pkg/rpcutil"
)

// JobMaster is the part of *jobmaster.JobMaster served over gRPC.
type JobMaster interface {
	JobID() model.JobID
	StartJob()
	SuspendJob(cause error)
	UpdateTaskExecutionState(ctx context.Context, record *model.TaskExecutionRecord) *future.Future[model.Acknowledge]
	RegisterAtResourceManager(address string)
	RegisterJobInfoTracker(
		ctx context.Context, address string, behaviour model.ListeningBehaviour, timeout time.Duration,
	) *future.Future[model.RegisterJobClientSuccess]
	RequestClassloadingProps(ctx context.Context, timeout time.Duration) *future.Future[*model.ClassloadingSnapshot]
}

// NewGRPCServer creates a gRPC server that uses the JSON codec and the
// common interceptor chain. Services are registered by the caller.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	serverOpts := append([]grpc.ServerOption{
		grpc.ForceServerCodec(rpcutil.JSONCodec{}),
		grpc_middleware.WithUnaryServerChain(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_zap.UnaryServerInterceptor(log.L()),
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
				log.L().Error("panic in rpc handler", zap.Any("panic", p), zap.Stack("stack"))
				return status.Errorf(codes.Internal, "panic: %v", p)
			})),
			errorMappingInterceptor,
		),
	}, opts...)
	return grpc.NewServer(serverOpts...)
}

// Server serves the gateway of one job master.
type Server struct {
	jm  JobMaster
	srv *grpc.Server
}

// NewServer creates a Server for jm.
func NewServer(jm JobMaster, opts ...grpc.ServerOption) *Server {
	s := &Server{
		jm:  jm,
		srv: NewGRPCServer(opts...),
	}
	RegisterJobMasterGatewayServer(s.srv, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.L().Info("job master gateway serving", zap.String("addr", lis.Addr().String()))
	err := s.srv.Serve(lis)
	if err == grpc.ErrServerStopped {
		return nil
	}
	return errors.Trace(err)
}

// Stop stops the server gracefully, or forcibly if ctx is done first.
func (s *Server) Stop(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.srv.GracefulStop()
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.srv.Stop()
		<-stopped
	}
}

// StartJob implements JobMasterGatewayServer.
func (s *Server) StartJob(ctx context.Context, req *StartJobRequest) (*Empty, error) {
	s.jm.StartJob()
	return &Empty{}, nil
}

// SuspendJob implements JobMasterGatewayServer.
func (s *Server) SuspendJob(ctx context.Context, req *SuspendJobRequest) (*Empty, error) {
	var cause error
	if req.Cause != "" {
		cause = errors.New(req.Cause)
	}
	s.jm.SuspendJob(cause)
	return &Empty{}, nil
}

// UpdateTaskExecutionState implements JobMasterGatewayServer.
func (s *Server) UpdateTaskExecutionState(
	ctx context.Context, req *UpdateTaskExecutionStateRequest,
) (*AcknowledgeResponse, error) {
	if req.Record == nil {
		return nil, status.Error(codes.InvalidArgument, "record is missing")
	}
	if _, err := s.jm.UpdateTaskExecutionState(ctx, req.Record).Get(ctx); err != nil {
		return nil, err
	}
	return &AcknowledgeResponse{}, nil
}

// RegisterAtResourceManager implements JobMasterGatewayServer.
func (s *Server) RegisterAtResourceManager(ctx context.Context, req *RegisterAtResourceManagerRequest) (*Empty, error) {
	if req.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "resource manager address is empty")
	}
	s.jm.RegisterAtResourceManager(req.Address)
	return &Empty{}, nil
}

// RegisterJobInfoTracker implements JobMasterGatewayServer.
func (s *Server) RegisterJobInfoTracker(
	ctx context.Context, req *RegisterJobInfoTrackerRequest,
) (*RegisterJobClientSuccessResponse, error) {
	success, err := s.jm.RegisterJobInfoTracker(ctx, req.ClientAddress, req.Behaviour, req.Timeout).Get(ctx)
	if err != nil {
		return nil, err
	}
	return &RegisterJobClientSuccessResponse{JobID: success.JobID}, nil
}

// RequestClassloadingProps implements JobMasterGatewayServer.
func (s *Server) RequestClassloadingProps(
	ctx context.Context, req *RequestClassloadingPropsRequest,
) (*ClassloadingPropsResponse, error) {
	snapshot, err := s.jm.RequestClassloadingProps(ctx, req.Timeout).Get(ctx)
	if err != nil {
		return nil, err
	}
	return &ClassloadingPropsResponse{Snapshot: snapshot}, nil
}
