package errors

import (
	goerrors "errors"

	"github.com/pingcap/errors"
)

// errors
var (
	// lifecycle related errors
	ErrInvalidTransition = errors.Normalize(
		"invalid job state transition %s from state %s",
		errors.RFCCodeText("JOBCOORD:ErrInvalidTransition"),
	)
	ErrJobMasterClosed = errors.Normalize(
		"job master %s has been closed",
		errors.RFCCodeText("JOBCOORD:ErrJobMasterClosed"),
	)
	ErrJobNotAcceptingClients = errors.Normalize(
		"job %s does not accept client registrations in state %s",
		errors.RFCCodeText("JOBCOORD:ErrJobNotAcceptingClients"),
	)
	ErrTimeoutExceeded = errors.Normalize(
		"operation %s exceeded its deadline",
		errors.RFCCodeText("JOBCOORD:ErrTimeoutExceeded"),
	)

	// resource manager registration errors
	ErrRegistrationUnreachable = errors.Normalize(
		"resource manager %s is unreachable",
		errors.RFCCodeText("JOBCOORD:ErrRegistrationUnreachable"),
	)
	ErrRegistrationRejected = errors.Normalize(
		"resource manager %s rejected registration: %s",
		errors.RFCCodeText("JOBCOORD:ErrRegistrationRejected"),
	)

	// classloading errors
	ErrClassloadingUnavailable = errors.Normalize(
		"classloading properties are unavailable",
		errors.RFCCodeText("JOBCOORD:ErrClassloadingUnavailable"),
	)

	// epoch errors
	ErrEpochGenerate = errors.Normalize(
		"generate epoch failed",
		errors.RFCCodeText("JOBCOORD:ErrEpochGenerate"),
	)

	// discovery errors
	ErrLeaderRetrieval = errors.Normalize(
		"retrieve leader from %s failed",
		errors.RFCCodeText("JOBCOORD:ErrLeaderRetrieval"),
	)

	// rpc errors
	ErrGrpcBuildConn = errors.Normalize(
		"create grpc connection failed",
		errors.RFCCodeText("JOBCOORD:ErrGrpcBuildConn"),
	)
	ErrRPCResponseInvalid = errors.Normalize(
		"invalid rpc response: %s",
		errors.RFCCodeText("JOBCOORD:ErrRPCResponseInvalid"),
	)

	// config related errors
	ErrConfigDecodeFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("JOBCOORD:ErrConfigDecodeFile"),
	)
	ErrConfigUnknownItem = errors.Normalize(
		"job master config contained unknown configuration options: %s",
		errors.RFCCodeText("JOBCOORD:ErrConfigUnknownItem"),
	)
	ErrConfigInvalid = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("JOBCOORD:ErrConfigInvalid"),
	)
)

// Wrap attaches a cause to an RFC-coded error, keeping the error code
// so that Equal still matches on the result.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByCause(args...)
}

// Is reports whether any error in err's chain carries the RFC code of
// rfcError. Unlike Error.Equal it also matches errors created by Wrap.
func Is(err error, rfcError *errors.Error) bool {
	if rfcError.Equal(err) {
		return true
	}
	var target *errors.Error
	for err != nil {
		if !goerrors.As(err, &target) {
			return false
		}
		if target.RFCCode() == rfcError.RFCCode() {
			return true
		}
		err = goerrors.Unwrap(target)
	}
	return false
}
