package rpc

import (
	"context"

	"github.com/pingcap/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	derror "github.com/hanfei1991/jobcoord/pkg/errors"
)

// toGRPCError converts an error returned by the job master into a gRPC
// status error, so that clients can tell the typed errors apart.
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case derror.Is(err, derror.ErrTimeoutExceeded):
		code = codes.DeadlineExceeded
	case derror.Is(err, derror.ErrJobNotAcceptingClients):
		code = codes.FailedPrecondition
	case derror.Is(err, derror.ErrJobMasterClosed):
		code = codes.Unavailable
	case errors.Cause(err) == context.DeadlineExceeded:
		code = codes.DeadlineExceeded
	case errors.Cause(err) == context.Canceled:
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// fromGRPCError converts a gRPC status error back into the typed errors
// of the job master.
func fromGRPCError(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.Trace(err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return derror.ErrTimeoutExceeded.GenWithStackByArgs(method)
	case codes.FailedPrecondition:
		return derror.ErrJobNotAcceptingClients.GenWithStack("%s", st.Message())
	case codes.Unavailable:
		return derror.ErrJobMasterClosed.GenWithStack("%s", st.Message())
	default:
		return errors.Trace(err)
	}
}

func errorMappingInterceptor(
	ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return resp, nil
}
