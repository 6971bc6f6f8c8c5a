package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"Droidlink/pkg/logging"
	"Droidlink/pkg/types"
)

// Host runs the adb binary on behalf of device handles.
type Host struct {
	adbPath string
	keyPath string
}

// NewHost creates a Host using the adb binary at adbPath. keyPath, when set,
// is exported as ADB_VENDOR_KEYS so the adb server signs with our key.
func NewHost(adbPath, keyPath string) *Host {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &Host{adbPath: adbPath, keyPath: keyPath}
}

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// command builds an adb invocation. Proxy variables are stripped because adb
// would otherwise try to reach devices through them.
func (h *Host) command(ctx context.Context, keyPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, h.adbPath, args...)

	env := os.Environ()
	newEnv := make([]string, 0, len(env)+1)
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy && !strings.HasPrefix(e, "ADB_VENDOR_KEYS=") {
			newEnv = append(newEnv, e)
		}
	}
	if keyPath != "" {
		newEnv = append(newEnv, "ADB_VENDOR_KEYS="+keyPath)
	}
	cmd.Env = newEnv
	return cmd
}

func (h *Host) run(ctx context.Context, args ...string) (string, error) {
	return h.runWithKey(ctx, h.keyPath, args...)
}

func (h *Host) runWithKey(ctx context.Context, keyPath string, args ...string) (string, error) {
	out, err := h.command(ctx, keyPath, args...).CombinedOutput()
	return string(out), err
}

// ========================================
// Dialer
// ========================================

// TCP returns a handle for host:port
func (h *Host) TCP(host string, port int) Transport {
	return &Device{
		host:   h,
		serial: net.JoinHostPort(host, strconv.Itoa(port)),
		kind:   types.ConnectionTCP,
	}
}

// FirstUSB returns a handle for the first USB device in "device" state
func (h *Host) FirstUSB(ctx context.Context) (Transport, error) {
	devices, err := h.Attached(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.State == "device" && d.USB {
			return &Device{host: h, serial: d.Serial, kind: types.ConnectionUSB}, nil
		}
	}
	return nil, ErrNoUSBDevice
}

// AttachedDevice is one line of "adb devices -l"
type AttachedDevice struct {
	Serial string
	State  string
	USB    bool
	Model  string
}

// Attached lists what the adb server currently sees
func (h *Host) Attached(ctx context.Context) ([]AttachedDevice, error) {
	out, err := h.run(ctx, "devices", "-l")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w: %s", err, strings.TrimSpace(out))
	}
	return ParseDevices(out), nil
}

// ParseDevices parses the output of "adb devices -l"
func ParseDevices(out string) []AttachedDevice {
	var devices []AttachedDevice
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := AttachedDevice{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			switch {
			case strings.HasPrefix(f, "usb:"):
				d.USB = true
			case strings.HasPrefix(f, "model:"):
				d.Model = strings.TrimPrefix(f, "model:")
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// ========================================
// Device handle
// ========================================

// Device is a Transport backed by the adb binary
type Device struct {
	host      *Host
	serial    string
	kind      types.ConnectionKind
	available atomic.Bool
}

func (d *Device) Serial() string { return d.serial }

func (d *Device) Kind() types.ConnectionKind { return d.kind }

func (d *Device) Available() bool { return d.available.Load() }

func (d *Device) markLost() { d.available.Store(false) }

// lossMarkers are adb client errors meaning the device is gone
var lossMarkers = []string{
	"error: device offline",
	"error: no devices/emulators found",
	"error: closed",
	"error: protocol fault",
}

func isDeviceLost(out string) bool {
	lower := strings.ToLower(out)
	for _, m := range lossMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return strings.Contains(lower, "error: device '") && strings.Contains(lower, "' not found")
}

// Connect performs the handshake and waits up to authTimeout for the device
// to reach the "device" state.
func (d *Device) Connect(ctx context.Context, keys *KeyPair, authTimeout time.Duration) error {
	keyPath := d.host.keyPath
	if keys != nil {
		keyPath = keys.PrivatePath
	}

	if d.kind == types.ConnectionTCP {
		out, err := d.host.runWithKey(ctx, keyPath, "connect", d.serial)
		msg := strings.TrimSpace(out)
		if err != nil {
			return fmt.Errorf("adb connect: %w: %s", err, msg)
		}
		lower := strings.ToLower(msg)
		if !strings.Contains(lower, "connected to") {
			return errors.New(msg)
		}
	}

	deadline := time.Now().Add(authTimeout)
	state := ""
	for {
		state = d.state(ctx)
		if state == "device" {
			d.available.Store(true)
			logging.Debug("adb").Str("serial", d.serial).Msg("Handshake complete")
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if d.kind == types.ConnectionTCP {
		// leave no half-open connection in the adb server
		_, _ = d.host.run(context.WithoutCancel(ctx), "disconnect", d.serial)
	}
	if state == "unauthorized" {
		return errors.New("device unauthorized: accept the debugging prompt on the device")
	}
	if state == "" {
		state = "unreachable"
	}
	return fmt.Errorf("device state is %s", state)
}

func (d *Device) state(ctx context.Context) string {
	out, err := d.host.run(ctx, "-s", d.serial, "get-state")
	if err != nil {
		lower := strings.ToLower(out)
		if strings.Contains(lower, "unauthorized") {
			return "unauthorized"
		}
		if strings.Contains(lower, "offline") {
			return "offline"
		}
		return ""
	}
	return strings.TrimSpace(out)
}

// Probe refreshes the liveness flag
func (d *Device) Probe(ctx context.Context) bool {
	ok := d.state(ctx) == "device"
	d.available.Store(ok)
	return ok
}

// Shell runs a shell command. A non-zero exit status is not an error: the
// output usually explains it. Transport failures are.
func (d *Device) Shell(ctx context.Context, command string) (string, error) {
	out, err := d.host.run(ctx, "-s", d.serial, "shell", command)
	if err == nil {
		return out, nil
	}
	if isDeviceLost(out) {
		d.markLost()
		return out, errors.New(strings.TrimSpace(out))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, nil
	}
	return out, err
}

func (d *Device) transfer(ctx context.Context, verb, from, to string) error {
	out, err := d.host.run(ctx, "-s", d.serial, verb, from, to)
	if err == nil {
		return nil
	}
	if isDeviceLost(out) {
		d.markLost()
	}
	if msg := strings.TrimSpace(out); msg != "" {
		return errors.New(msg)
	}
	return err
}

// Push copies a local file to the device
func (d *Device) Push(ctx context.Context, local, remote string) error {
	return d.transfer(ctx, "push", local, remote)
}

// Pull copies a device file to the local filesystem
func (d *Device) Pull(ctx context.Context, remote, local string) error {
	return d.transfer(ctx, "pull", remote, local)
}

// Reboot restarts the device. The handle is unusable afterwards.
func (d *Device) Reboot(ctx context.Context, mode types.RebootMode) error {
	args := []string{"-s", d.serial, "reboot"}
	if mode != types.RebootNormal && mode != "" {
		args = append(args, string(mode))
	}
	out, err := d.host.run(ctx, args...)
	d.markLost()
	if err != nil {
		if msg := strings.TrimSpace(out); msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return nil
}

// Close releases the connection. For TCP devices the adb server is told to
// disconnect; USB handles hold no server-side state.
func (d *Device) Close(ctx context.Context) error {
	d.markLost()
	if d.kind != types.ConnectionTCP {
		return nil
	}
	out, err := d.host.run(ctx, "disconnect", d.serial)
	if err != nil {
		return fmt.Errorf("adb disconnect: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}
