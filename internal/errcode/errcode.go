package errcode

// Code is a stable, protocol-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK                    Code = "ok"
	DeviceUnavailable     Code = "device_unavailable"
	DeviceIncompatible    Code = "device_incompatible"
	ConfigurationRejected Code = "configuration_rejected"
	Busy                  Code = "busy"
	ValidationError       Code = "validation_error"
	NotWritable           Code = "not_writable"
	CaptureFailed         Code = "capture_failed"
	PipelineError         Code = "pipeline_error"
	Aborted               Code = "aborted"
	NotConnected          Code = "not_connected"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Wrap builds an E with a code, operation and cause.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}

// Msg builds an E with a code and message.
func Msg(c Code, msg string) *E {
	return &E{C: c, Msg: msg}
}
