// Package adbtest provides in-memory adb transports for tests.
package adbtest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"Droidlink/pkg/adb"
	"Droidlink/pkg/types"
)

// FakeTransport is a scriptable adb.Transport.
type FakeTransport struct {
	mu sync.Mutex

	SerialValue string
	KindValue   types.ConnectionKind

	// ShellFunc answers shell commands; nil returns "".
	ShellFunc func(command string) (string, error)
	// Files backs Push and Pull, keyed by remote path.
	Files map[string][]byte

	ConnectErr error
	PushErr    error
	PullErr    error
	RebootErr  error
	CloseErr   error
	// ConnectDelay makes Connect block before answering.
	ConnectDelay time.Duration

	available bool

	Commands     []string
	ConnectCalls int
	CloseCalls   int
	ProbeCalls   int
	Reboots      []types.RebootMode
}

// NewFakeTransport returns an unconnected fake for serial.
func NewFakeTransport(serial string, kind types.ConnectionKind) *FakeTransport {
	return &FakeTransport{
		SerialValue: serial,
		KindValue:   kind,
		Files:       make(map[string][]byte),
	}
}

func (f *FakeTransport) Serial() string { return f.SerialValue }

func (f *FakeTransport) Kind() types.ConnectionKind { return f.KindValue }

func (f *FakeTransport) Connect(ctx context.Context, keys *adb.KeyPair, authTimeout time.Duration) error {
	if f.ConnectDelay > 0 {
		time.Sleep(f.ConnectDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.available = true
	return nil
}

func (f *FakeTransport) Shell(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, command)
	fn := f.ShellFunc
	f.mu.Unlock()
	if fn == nil {
		return "", nil
	}
	return fn(command)
}

func (f *FakeTransport) Push(ctx context.Context, local, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, "push "+local+" "+remote)
	if f.PushErr != nil {
		return f.PushErr
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	f.Files[remote] = data
	return nil
}

func (f *FakeTransport) Pull(ctx context.Context, remote, local string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, "pull "+remote+" "+local)
	if f.PullErr != nil {
		return f.PullErr
	}
	data, ok := f.Files[remote]
	if !ok {
		return fmt.Errorf("adb: error: failed to stat remote object '%s': No such file or directory", remote)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	return os.WriteFile(local, data, 0644)
}

func (f *FakeTransport) Reboot(ctx context.Context, mode types.RebootMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reboots = append(f.Reboots, mode)
	f.available = false
	return f.RebootErr
}

func (f *FakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	f.available = false
	return f.CloseErr
}

func (f *FakeTransport) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

// Probe reports the current flag; tests flip it with SetAvailable.
func (f *FakeTransport) Probe(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ProbeCalls++
	return f.available
}

// SetAvailable simulates the device going away or coming back.
func (f *FakeTransport) SetAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

// SetShell replaces ShellFunc under the lock.
func (f *FakeTransport) SetShell(fn func(command string) (string, error)) {
	f.mu.Lock()
	f.ShellFunc = fn
	f.mu.Unlock()
}

// History returns a copy of the recorded commands.
func (f *FakeTransport) History() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commands...)
}

// Counts returns how often Connect and Close were called.
func (f *FakeTransport) Counts() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConnectCalls, f.CloseCalls
}

// HasFile reports whether a remote file exists.
func (f *FakeTransport) HasFile(remote string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[remote]
	return ok
}

// PutFile stores a remote file.
func (f *FakeTransport) PutFile(remote string, data []byte) {
	f.mu.Lock()
	f.Files[remote] = data
	f.mu.Unlock()
}

// RemoveFile deletes a remote file.
func (f *FakeTransport) RemoveFile(remote string) {
	f.mu.Lock()
	delete(f.Files, remote)
	f.mu.Unlock()
}

// FakeDialer hands out FakeTransports.
type FakeDialer struct {
	mu sync.Mutex

	// Prepared transports by serial; created on demand when missing.
	Transports map[string]*FakeTransport
	// USBSerial is returned by FirstUSB; empty means nothing attached.
	USBSerial string
	USBErr    error

	Dialed []string
}

// NewFakeDialer creates an empty dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{Transports: make(map[string]*FakeTransport)}
}

// Prepare registers the transport returned for serial. Every dial of that
// serial returns the same fake.
func (d *FakeDialer) Prepare(t *FakeTransport) *FakeTransport {
	d.mu.Lock()
	d.Transports[t.SerialValue] = t
	d.mu.Unlock()
	return t
}

func (d *FakeDialer) get(serial string, kind types.ConnectionKind) *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dialed = append(d.Dialed, serial)
	t, ok := d.Transports[serial]
	if !ok {
		t = NewFakeTransport(serial, kind)
		d.Transports[serial] = t
	}
	return t
}

func (d *FakeDialer) TCP(host string, port int) adb.Transport {
	return d.get(net.JoinHostPort(host, strconv.Itoa(port)), types.ConnectionTCP)
}

func (d *FakeDialer) FirstUSB(ctx context.Context) (adb.Transport, error) {
	if d.USBErr != nil {
		return nil, d.USBErr
	}
	if d.USBSerial == "" {
		return nil, adb.ErrNoUSBDevice
	}
	return d.get(d.USBSerial, types.ConnectionUSB), nil
}

// Transport returns the fake for serial, or nil.
func (d *FakeDialer) Transport(serial string) *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Transports[serial]
}

// ErrDeviceOffline mimics the adb client message for a vanished device.
var ErrDeviceOffline = errors.New("error: device offline")
