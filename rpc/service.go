package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/hanfei1991/jobcoord/model"
)

// Service names.
const (
	JobMasterServiceName       = "jobcoord.JobMasterGateway"
	ResourceManagerServiceName = "jobcoord.ResourceManagerGateway"
	TaskExecutorServiceName    = "jobcoord.TaskExecutorGateway"
)

// JobMasterGatewayServer is the server API of the job master gateway.
type JobMasterGatewayServer interface {
	StartJob(context.Context, *StartJobRequest) (*Empty, error)
	SuspendJob(context.Context, *SuspendJobRequest) (*Empty, error)
	UpdateTaskExecutionState(context.Context, *UpdateTaskExecutionStateRequest) (*AcknowledgeResponse, error)
	RegisterAtResourceManager(context.Context, *RegisterAtResourceManagerRequest) (*Empty, error)
	RegisterJobInfoTracker(context.Context, *RegisterJobInfoTrackerRequest) (*RegisterJobClientSuccessResponse, error)
	RequestClassloadingProps(context.Context, *RequestClassloadingPropsRequest) (*ClassloadingPropsResponse, error)
}

// ResourceManagerGatewayServer is the server API of the resource manager
// as seen by job masters.
type ResourceManagerGatewayServer interface {
	RegisterJobMaster(context.Context, *model.RegistrationRequest) (*model.RegistrationResponse, error)
}

// TaskExecutorGatewayServer is the server API of task executors as seen
// by job masters.
type TaskExecutorGatewayServer interface {
	CancelTask(context.Context, *CancelTaskRequest) (*Empty, error)
}

// RegisterJobMasterGatewayServer registers srv at s.
func RegisterJobMasterGatewayServer(s grpc.ServiceRegistrar, srv JobMasterGatewayServer) {
	s.RegisterService(&jobMasterServiceDesc, srv)
}

// RegisterResourceManagerGatewayServer registers srv at s.
func RegisterResourceManagerGatewayServer(s grpc.ServiceRegistrar, srv ResourceManagerGatewayServer) {
	s.RegisterService(&resourceManagerServiceDesc, srv)
}

// RegisterTaskExecutorGatewayServer registers srv at s.
func RegisterTaskExecutorGatewayServer(s grpc.ServiceRegistrar, srv TaskExecutorGatewayServer) {
	s.RegisterService(&taskExecutorServiceDesc, srv)
}

var jobMasterServiceDesc = grpc.ServiceDesc{
	ServiceName: JobMasterServiceName,
	HandlerType: (*JobMasterGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(JobMasterServiceName, "StartJob", JobMasterGatewayServer.StartJob),
		unaryMethod(JobMasterServiceName, "SuspendJob", JobMasterGatewayServer.SuspendJob),
		unaryMethod(JobMasterServiceName, "UpdateTaskExecutionState", JobMasterGatewayServer.UpdateTaskExecutionState),
		unaryMethod(JobMasterServiceName, "RegisterAtResourceManager", JobMasterGatewayServer.RegisterAtResourceManager),
		unaryMethod(JobMasterServiceName, "RegisterJobInfoTracker", JobMasterGatewayServer.RegisterJobInfoTracker),
		unaryMethod(JobMasterServiceName, "RequestClassloadingProps", JobMasterGatewayServer.RequestClassloadingProps),
	},
	Streams: []grpc.StreamDesc{},
}

var resourceManagerServiceDesc = grpc.ServiceDesc{
	ServiceName: ResourceManagerServiceName,
	HandlerType: (*ResourceManagerGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(ResourceManagerServiceName, "RegisterJobMaster", ResourceManagerGatewayServer.RegisterJobMaster),
	},
	Streams: []grpc.StreamDesc{},
}

var taskExecutorServiceDesc = grpc.ServiceDesc{
	ServiceName: TaskExecutorServiceName,
	HandlerType: (*TaskExecutorGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(TaskExecutorServiceName, "CancelTask", TaskExecutorGatewayServer.CancelTask),
	},
	Streams: []grpc.StreamDesc{},
}

func fullMethodName(service, method string) string {
	return "/" + service + "/" + method
}

// unaryMethod builds the MethodDesc of a unary method from its server
// interface method expression.
func unaryMethod[S any, Req any, Resp any](
	service, method string,
	call func(S, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	fullMethod := fullMethodName(service, method)
	handler := func(
		srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
	) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(S), ctx, req.(*Req))
		})
	}
	return grpc.MethodDesc{
		MethodName: method,
		Handler:    handler,
	}
}
