package reader

import (
	"fmt"
)

// Code identifies a specific failure condition.
type Code int

const (
	CodeUnknown Code = iota

	// setup
	CodeNoSockets
	CodeNoDevices
	CodeTooManySockets
	CodeTooManyDevices
	CodeInvalidDomainName
	CodeFileFormatVersion

	// readings support
	CodeEnergyReadingsNotSupported
	CodePowerReadingsNotSupported
	CodeReadingsNotSupported

	// query
	CodeNoSuchEvent

	// read
	CodeReadingsNotValid

	// invalid argument
	CodeInvalidSocketMask
	CodeInvalidDeviceMask
	CodeInvalidLocationMask

	CodeGPULib
	CodeSystem
	CodeNotImplemented
)

// Cause classifies a Code into a broad class, so callers can branch on the
// class without enumerating codes.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseSetup
	CauseReadingsSupport
	CauseQuery
	CauseRead
	CauseInvalidArgument
	CauseGPULib
	CauseSystem
	CauseNotImplemented
)

func (c Code) Cause() Cause {
	switch c {
	case CodeNoSockets, CodeNoDevices, CodeTooManySockets, CodeTooManyDevices,
		CodeInvalidDomainName, CodeFileFormatVersion:
		return CauseSetup
	case CodeEnergyReadingsNotSupported, CodePowerReadingsNotSupported,
		CodeReadingsNotSupported:
		return CauseReadingsSupport
	case CodeNoSuchEvent:
		return CauseQuery
	case CodeReadingsNotValid:
		return CauseRead
	case CodeInvalidSocketMask, CodeInvalidDeviceMask, CodeInvalidLocationMask:
		return CauseInvalidArgument
	case CodeGPULib:
		return CauseGPULib
	case CodeSystem:
		return CauseSystem
	case CodeNotImplemented:
		return CauseNotImplemented
	}
	return CauseUnknown
}

func (c Code) String() string {
	switch c {
	case CodeNoSockets:
		return "no CPU sockets were found"
	case CodeNoDevices:
		return "no GPU devices were found"
	case CodeTooManySockets:
		return "more CPU sockets found than maximum supported"
	case CodeTooManyDevices:
		return "more GPU devices found than maximum supported"
	case CodeInvalidDomainName:
		return "invalid RAPL domain name"
	case CodeFileFormatVersion:
		return "invalid format version in CPU counters file"
	case CodeEnergyReadingsNotSupported:
		return "device does not support energy readings"
	case CodePowerReadingsNotSupported:
		return "device does not support power readings"
	case CodeReadingsNotSupported:
		return "device does not support energy or power readings"
	case CodeNoSuchEvent:
		return "no such event exists"
	case CodeReadingsNotValid:
		return "counter readings are not valid"
	case CodeInvalidSocketMask:
		return "invalid CPU socket mask (no sockets set)"
	case CodeInvalidDeviceMask:
		return "invalid GPU device mask (no devices set)"
	case CodeInvalidLocationMask:
		return "invalid sensor location mask (no sensors set)"
	case CodeGPULib:
		return "GPU library error"
	case CodeSystem:
		return "system error"
	case CodeNotImplemented:
		return "feature not implemented"
	}
	return "unknown error"
}

func (c Cause) String() string {
	switch c {
	case CauseSetup:
		return "setup-error"
	case CauseReadingsSupport:
		return "readings-support-error"
	case CauseQuery:
		return "query-error"
	case CauseRead:
		return "read-error"
	case CauseInvalidArgument:
		return "invalid-argument"
	case CauseGPULib:
		return "gpu-lib-error"
	case CauseSystem:
		return "system-error"
	case CauseNotImplemented:
		return "not-implemented"
	}
	return "unknown"
}

// Error carries a specific code, the derived cause class and an optional
// wrapped error with system context.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is works against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func wrapError(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrNoSockets       = &Error{Code: CodeNoSockets}
	ErrNoDevices       = &Error{Code: CodeNoDevices}
	ErrTooManySockets  = &Error{Code: CodeTooManySockets}
	ErrTooManyDevices  = &Error{Code: CodeTooManyDevices}
	ErrNoSuchEvent     = &Error{Code: CodeNoSuchEvent}
	ErrNotImplemented  = &Error{Code: CodeNotImplemented}
	ErrNoEnergySupport = &Error{Code: CodeEnergyReadingsNotSupported}
	ErrNoPowerSupport  = &Error{Code: CodePowerReadingsNotSupported}
)
