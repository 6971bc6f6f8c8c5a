// Package adb talks to Android devices through the adb host tool.
//
// Every method here blocks; callers are expected to run them through the
// executor rather than on a request goroutine.
package adb

import (
	"context"
	"errors"
	"time"

	"Droidlink/pkg/types"
)

// ErrNoUSBDevice is returned by Dialer.FirstUSB when nothing is attached.
var ErrNoUSBDevice = errors.New("no USB device attached")

// Transport is a handle to one device.
type Transport interface {
	Serial() string
	Kind() types.ConnectionKind

	// Connect performs the handshake, authenticating with keys.
	Connect(ctx context.Context, keys *KeyPair, authTimeout time.Duration) error
	// Shell runs command on the device and returns its combined output.
	Shell(ctx context.Context, command string) (string, error)
	Push(ctx context.Context, local, remote string) error
	Pull(ctx context.Context, remote, local string) error
	Reboot(ctx context.Context, mode types.RebootMode) error
	Close(ctx context.Context) error

	// Available reports the last known liveness without blocking.
	Available() bool
}

// Prober is implemented by transports that can actively refresh liveness.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Dialer creates transports.
type Dialer interface {
	// TCP returns an unconnected transport for host:port. It does not block.
	TCP(host string, port int) Transport
	// FirstUSB finds the first attached USB device. It blocks.
	FirstUSB(ctx context.Context) (Transport, error)
}
