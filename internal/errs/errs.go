// Package errs defines the flat, closed error-code taxonomy shared by every
// core component. Callers match on Code to decide retry vs. surface; the
// taxonomy itself never grows a second "retryable" enum, Retryable is a
// method on Code instead.
package errs

import "fmt"

// Code is one of a fixed set of error variants. The zero value is not a
// valid code; use CodeSuccess to mean "no error" where a code is required
// structurally (e.g. fatal-state coercion).
type Code string

const (
	CodeSuccess Code = "SUCCESS"

	// Transient link — retryable by the caller.
	CodeRequestBetweenRuntimeBus Code = "ERR_REQUEST_BETWEEN_RUNTIME_BUS"
	CodeDisconnectFrontendBus    Code = "ERR_DISCONNECT_FRONTEND_BUS"
	CodeGRPCStreamCall           Code = "GRPC_STREAM_CALL_ERROR"

	// Instance lifecycle.
	CodeInstanceExited   Code = "ERR_INSTANCE_EXITED"
	CodeInstanceNotFound Code = "ERR_INSTANCE_NOT_FOUND"

	// Admission.
	CodeInvokeRateLimited    Code = "ERR_INVOKE_RATE_LIMITED"
	CodeSchedulePluginConfig Code = "ERR_SCHEDULE_PLUGIN_CONFIG"
	CodeResourceNotEnough    Code = "RESOURCE_NOT_ENOUGH"

	// Deployment.
	CodeUserCodeLoad Code = "ERR_USER_CODE_LOAD"

	// Auth / input.
	CodeUnauthenticated Code = "GRPC_UNAUTHENTICATED"
	CodeParamInvalid    Code = "ERR_PARAM_INVALID"

	// Fatal fallback.
	CodeInnerCommunication Code = "ERR_INNER_COMMUNICATION"
	CodeInnerSystemError   Code = "ERR_INNER_SYSTEM_ERROR"
)

// retryable holds the transient-link set; every other code is non-retryable
// by default, matching spec §7's closed propagation policy.
var retryable = map[Code]bool{
	CodeRequestBetweenRuntimeBus: true,
	CodeDisconnectFrontendBus:    true,
	CodeGRPCStreamCall:           true,
}

// Retryable reports whether a caller observing this code may safely retry
// the operation.
func (c Code) Retryable() bool {
	return retryable[c]
}

// Error pairs a Code with a free-text reason, matching the "code + free-text
// reason suitable for logging" contract in spec §7.
type Error struct {
	Code   Code
	Reason string
}

// New constructs an *Error. Reason may be empty.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Errorf constructs an *Error with a formatted reason.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Is supports errors.Is(err, errs.New(code, "")) by comparing codes only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the wrapped code is retryable.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// Of extracts the Code from err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Code, bool) {
	var e *Error
	if err == nil {
		return "", false
	}
	if as, ok := err.(*Error); ok {
		e = as
	} else if x, ok := err.(interface{ Unwrap() error }); ok {
		return Of(x.Unwrap())
	} else {
		return "", false
	}
	return e.Code, true
}
