package mcp

import (
	"context"
	"sync"

	"Droidlink/pkg/journal"
	"Droidlink/pkg/types"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockDeviceManager is a scriptable DeviceManager for handler tests
type MockDeviceManager struct {
	mu    sync.Mutex
	Calls []MockCall

	// Errors returned by method name
	Errors map[string]error

	Devices       []types.DeviceSummary
	ConnectSerial string
	USBSerial     string
	Disconnected  bool
	Info          *types.DeviceInfo
	Properties    map[string]string
	ShellOutput   types.BoundedOutput
	LogcatOutput  types.BoundedOutput
	DirListing    string
	FileContent   string
	Exists        bool
	CommandOutput string
	Packages      []types.AppPackage
	Screenshot    []byte

	Capture  *types.CaptureResult
	ANR      *types.ANRReport
	Crashes  *types.CrashReport
	Battery  *types.BatteryReport
	Manifest *types.AppManifest
}

// NewMockDeviceManager creates a mock with empty results
func NewMockDeviceManager() *MockDeviceManager {
	return &MockDeviceManager{
		Errors:     make(map[string]error),
		Properties: make(map[string]string),
	}
}

func (m *MockDeviceManager) record(method string, args ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
	return m.Errors[method]
}

// SetupWithError makes method fail with err
func (m *MockDeviceManager) SetupWithError(method string, err error) *MockDeviceManager {
	m.mu.Lock()
	m.Errors[method] = err
	m.mu.Unlock()
	return m
}

// GetLastCallByMethod returns the last call to a specific method
func (m *MockDeviceManager) GetLastCallByMethod(method string) *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == method {
			c := m.Calls[i]
			return &c
		}
	}
	return nil
}

// WasMethodCalled checks if a method was called
func (m *MockDeviceManager) WasMethodCalled(method string) bool {
	return m.GetLastCallByMethod(method) != nil
}

func (m *MockDeviceManager) List(ctx context.Context) []types.DeviceSummary {
	m.record("List")
	return m.Devices
}

func (m *MockDeviceManager) Connect(ctx context.Context, host string, port int) (string, error) {
	err := m.record("Connect", host, port)
	return m.ConnectSerial, err
}

func (m *MockDeviceManager) ConnectUSB(ctx context.Context) (string, bool, error) {
	err := m.record("ConnectUSB")
	return m.USBSerial, m.USBSerial != "", err
}

func (m *MockDeviceManager) Disconnect(ctx context.Context, serial string) bool {
	m.record("Disconnect", serial)
	return m.Disconnected
}

func (m *MockDeviceManager) DeviceInfo(ctx context.Context, serial string) (*types.DeviceInfo, error) {
	if err := m.record("DeviceInfo", serial); err != nil {
		return nil, err
	}
	return m.Info, nil
}

func (m *MockDeviceManager) GetProperty(ctx context.Context, serial, name string) (string, bool, error) {
	err := m.record("GetProperty", serial, name)
	v, ok := m.Properties[name]
	return v, ok, err
}

func (m *MockDeviceManager) GetProperties(ctx context.Context, serial string) (map[string]string, error) {
	err := m.record("GetProperties", serial)
	return m.Properties, err
}

func (m *MockDeviceManager) ShellBounded(ctx context.Context, serial, command string, maxLines, maxSize int) (types.BoundedOutput, error) {
	err := m.record("ShellBounded", serial, command, maxLines, maxSize)
	return m.ShellOutput, err
}

func (m *MockDeviceManager) GetLogcat(ctx context.Context, serial string, lines int, filter string, maxSize int) (types.BoundedOutput, error) {
	err := m.record("GetLogcat", serial, lines, filter, maxSize)
	return m.LogcatOutput, err
}

func (m *MockDeviceManager) PushFile(ctx context.Context, serial, local, remote string) error {
	return m.record("PushFile", serial, local, remote)
}

func (m *MockDeviceManager) PullFile(ctx context.Context, serial, remote, local string) error {
	return m.record("PullFile", serial, remote, local)
}

func (m *MockDeviceManager) ListDirectory(ctx context.Context, serial, dir string) (string, error) {
	err := m.record("ListDirectory", serial, dir)
	return m.DirListing, err
}

func (m *MockDeviceManager) ReadFile(ctx context.Context, serial, file string, maxSize int) (string, error) {
	err := m.record("ReadFile", serial, file, maxSize)
	return m.FileContent, err
}

func (m *MockDeviceManager) WriteFile(ctx context.Context, serial, file, content string) error {
	return m.record("WriteFile", serial, file, content)
}

func (m *MockDeviceManager) DeleteFile(ctx context.Context, serial, file string) error {
	return m.record("DeleteFile", serial, file)
}

func (m *MockDeviceManager) CreateDirectory(ctx context.Context, serial, dir string) error {
	return m.record("CreateDirectory", serial, dir)
}

func (m *MockDeviceManager) FileExists(ctx context.Context, serial, path string) (bool, error) {
	err := m.record("FileExists", serial, path)
	return m.Exists, err
}

func (m *MockDeviceManager) InstallApp(ctx context.Context, serial, apkPath string, reinstall, grantPermissions bool) (string, error) {
	err := m.record("InstallApp", serial, apkPath, reinstall, grantPermissions)
	return m.CommandOutput, err
}

func (m *MockDeviceManager) UninstallApp(ctx context.Context, serial, pkg string, keepData bool) (string, error) {
	err := m.record("UninstallApp", serial, pkg, keepData)
	return m.CommandOutput, err
}

func (m *MockDeviceManager) StartApp(ctx context.Context, serial, pkg, activity string) (string, error) {
	err := m.record("StartApp", serial, pkg, activity)
	return m.CommandOutput, err
}

func (m *MockDeviceManager) StopApp(ctx context.Context, serial, pkg string) (string, error) {
	err := m.record("StopApp", serial, pkg)
	return m.CommandOutput, err
}

func (m *MockDeviceManager) ClearAppData(ctx context.Context, serial, pkg string) (string, error) {
	err := m.record("ClearAppData", serial, pkg)
	return m.CommandOutput, err
}

func (m *MockDeviceManager) ListPackages(ctx context.Context, serial string, includeSystem bool) ([]types.AppPackage, error) {
	err := m.record("ListPackages", serial, includeSystem)
	return m.Packages, err
}

func (m *MockDeviceManager) Reboot(ctx context.Context, serial string, mode types.RebootMode) error {
	return m.record("Reboot", serial, mode)
}

func (m *MockDeviceManager) TakeScreenshot(ctx context.Context, serial string) ([]byte, error) {
	if err := m.record("TakeScreenshot", serial); err != nil {
		return nil, err
	}
	return m.Screenshot, nil
}

func (m *MockDeviceManager) CaptureBugreport(ctx context.Context, serial string, opts types.BugreportOptions) (*types.CaptureResult, error) {
	if err := m.record("CaptureBugreport", serial, opts); err != nil {
		return nil, err
	}
	return m.Capture, nil
}

func (m *MockDeviceManager) DumpHeap(ctx context.Context, serial, target string, opts types.HeapDumpOptions) (*types.CaptureResult, error) {
	if err := m.record("DumpHeap", serial, target, opts); err != nil {
		return nil, err
	}
	return m.Capture, nil
}

func (m *MockDeviceManager) ANRTraces(ctx context.Context, serial string) (*types.ANRReport, error) {
	if err := m.record("ANRTraces", serial); err != nil {
		return nil, err
	}
	return m.ANR, nil
}

func (m *MockDeviceManager) CrashReport(ctx context.Context, serial string) (*types.CrashReport, error) {
	if err := m.record("CrashReport", serial); err != nil {
		return nil, err
	}
	return m.Crashes, nil
}

func (m *MockDeviceManager) BatteryStatus(ctx context.Context, serial string) (*types.BatteryReport, error) {
	if err := m.record("BatteryStatus", serial); err != nil {
		return nil, err
	}
	return m.Battery, nil
}

func (m *MockDeviceManager) AppManifest(ctx context.Context, serial, pkg string) (*types.AppManifest, error) {
	if err := m.record("AppManifest", serial, pkg); err != nil {
		return nil, err
	}
	return m.Manifest, nil
}

// MockHistory is an in-memory History
type MockHistory struct {
	Events []journal.Event
	Result *journal.Stats
	Err    error
}

func (h *MockHistory) Recent(serial string, limit int) ([]journal.Event, error) {
	if len(h.Events) > limit {
		return h.Events[:limit], h.Err
	}
	return h.Events, h.Err
}

func (h *MockHistory) Stats(serial string) (*journal.Stats, error) {
	if h.Result == nil {
		return &journal.Stats{Serial: serial, ByKind: map[string]int{}}, h.Err
	}
	return h.Result, h.Err
}

// SampleDevice returns a sample device summary for testing
func SampleDevice(serial string) types.DeviceSummary {
	return types.DeviceSummary{
		Serial:         serial,
		Kind:           types.ConnectionTCP,
		Available:      true,
		Model:          "Pixel 8",
		AndroidVersion: "14",
	}
}

// SampleDeviceInfo returns sample device info for testing
func SampleDeviceInfo(serial string) *types.DeviceInfo {
	return &types.DeviceInfo{
		Serial:         serial,
		Model:          "Pixel 8",
		Brand:          "google",
		Manufacturer:   "Google",
		AndroidVersion: "14",
		SDK:            "34",
		ABI:            "arm64-v8a",
		Props:          map[string]string{"ro.build.display.id": "AP1A.240405.002"},
	}
}
