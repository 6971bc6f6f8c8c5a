package types

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every error returned by the session layer matches exactly one of
// these through errors.Is.
var (
	ErrConnection      = errors.New("connection failed")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrCommandFailed   = errors.New("command execution failed")
	ErrTimeout         = errors.New("timed out")
	ErrInvalidArgument = errors.New("invalid argument")
)

// DeviceError carries the error kind, the failing operation and the
// underlying transport error (whose message is preserved verbatim).
type DeviceError struct {
	Kind   error
	Op     string
	Serial string
	Err    error
}

func (e *DeviceError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Serial != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Serial)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ConnectionError reports a failed handshake or transport setup.
func ConnectionError(serial string, err error) error {
	return &DeviceError{Kind: ErrConnection, Op: "connect", Serial: serial, Err: err}
}

// DeviceNotFound reports that no live session exists for serial.
func DeviceNotFound(serial string) error {
	return &DeviceError{Kind: ErrDeviceNotFound, Serial: serial}
}

// CommandFailed reports a failed device-side operation.
func CommandFailed(op, serial string, err error) error {
	return &DeviceError{Kind: ErrCommandFailed, Op: op, Serial: serial, Err: err}
}

// TimeoutError reports that no result arrived within d.
func TimeoutError(op string, d time.Duration) error {
	return &DeviceError{Kind: ErrTimeout, Op: op, Err: fmt.Errorf("no result after %s", d)}
}

// KindOf returns the error kind of err, or nil when err is not one of ours.
func KindOf(err error) error {
	for _, k := range []error{ErrDeviceNotFound, ErrTimeout, ErrConnection, ErrCommandFailed, ErrInvalidArgument} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
