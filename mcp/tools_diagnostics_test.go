package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"Droidlink/pkg/types"
)

// ==================== device_bugreport ====================

func TestHandleBugreport_Defaults(t *testing.T) {
	mock := NewMockDeviceManager()
	mock.Capture = &types.CaptureResult{Path: "/tmp/droidlink-bugreport-1/bugreport.zip", Bytes: 3 * 1024 * 1024, Temporary: true, Screenshot: "/tmp/droidlink-bugreport-1/bugreport-screen.png"}
	server := newTestServer(mock)

	result, err := server.handleBugreport(context.Background(), makeToolRequest(map[string]interface{}{"device_id": "s"}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	call := mock.GetLastCallByMethod("CaptureBugreport")
	if call == nil {
		t.Fatal("CaptureBugreport was not called")
	}
	opts := call.Args[1].(types.BugreportOptions)
	if !opts.Screenshot {
		t.Error("Screenshots should be included by default")
	}
	if opts.Timeout != 0 || opts.OutputPath != "" {
		t.Errorf("Unexpected options: %+v", opts)
	}

	text := getTextContent(result)
	for _, want := range []string{"bugreport.zip", "3.00 MB", "Screenshot:", "temporary directory"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in %s", want, text)
		}
	}
}

func TestHandleBugreport_Options(t *testing.T) {
	mock := NewMockDeviceManager()
	mock.Capture = &types.CaptureResult{Path: "/reports/br.zip", Bytes: 512}
	server := newTestServer(mock)

	result, err := server.handleBugreport(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id":          "s",
		"output_path":        "/reports/br.zip",
		"include_screenshot": false,
		"timeout_seconds":    float64(600),
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	opts := mock.GetLastCallByMethod("CaptureBugreport").Args[1].(types.BugreportOptions)
	if opts.Screenshot || opts.OutputPath != "/reports/br.zip" || opts.Timeout != 10*time.Minute {
		t.Errorf("Unexpected options: %+v", opts)
	}
	if text := getTextContent(result); strings.Contains(text, "temporary") || !strings.Contains(text, "512 bytes") {
		t.Errorf("Unexpected text: %s", text)
	}
}

func TestHandleBugreport_Timeout(t *testing.T) {
	mock := NewMockDeviceManager()
	mock.SetupWithError("CaptureBugreport", types.TimeoutError("bugreport", 5*time.Minute))
	server := newTestServer(mock)

	_, err := server.handleBugreport(context.Background(), makeToolRequest(map[string]interface{}{"device_id": "s"}))
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timeout_seconds") {
		t.Errorf("Error should suggest a larger timeout: %v", err)
	}
}

// ==================== device_dump_heap ====================

func TestHandleDumpHeap(t *testing.T) {
	mock := NewMockDeviceManager()
	mock.Capture = &types.CaptureResult{Path: "/tmp/h/com.example.app-java.hprof", Bytes: 2048, PID: 4321, Temporary: true}
	server := newTestServer(mock)

	result, err := server.handleDumpHeap(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "s",
		"target":    "com.example.app",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	call := mock.GetLastCallByMethod("DumpHeap")
	if call == nil || call.Args[1] != "com.example.app" {
		t.Fatalf("DumpHeap call mismatch: %+v", call)
	}
	if opts := call.Args[2].(types.HeapDumpOptions); opts.Native {
		t.Error("Java heap is the default")
	}

	text := getTextContent(result)
	if !strings.Contains(text, "Java heap dump of process 4321") || !strings.Contains(text, "hprof-conv") {
		t.Errorf("Unexpected text: %s", text)
	}
}

func TestHandleDumpHeap_Native(t *testing.T) {
	mock := NewMockDeviceManager()
	mock.Capture = &types.CaptureResult{Path: "/tmp/h.hprof", PID: 77}
	server := newTestServer(mock)

	result, err := server.handleDumpHeap(context.Background(), makeToolRequest(map[string]interface{}{
		"device_id": "s",
		"target":    "77",
		"native":    true,
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if text := getTextContent(result); !strings.HasPrefix(text, "Native heap dump of process 77") || strings.Contains(text, "hprof-conv") {
		t.Errorf("Unexpected text: %s", text)
	}
}

func TestHandleDumpHeap_Errors(t *testing.T) {
	mock := NewMockDeviceManager()
	server := newTestServer(mock)

	if _, err := server.handleDumpHeap(context.Background(), makeToolRequest(map[string]interface{}{"device_id": "s"})); err == nil {
		t.Error("Expected error for missing target")
	}
	if mock.WasMethodCalled("DumpHeap") {
		t.Error("DumpHeap should not be called without a target")
	}

	mock.SetupWithError("DumpHeap", types.CommandFailed("dumpheap", "s", errors.New("com.example.app is not running")))
	_, err := server.handleDumpHeap(context.Background(), makeToolRequest(map[string]interface{}{"device_id": "s", "target": "com.example.app"}))
	if !errors.Is(err, types.ErrCommandFailed) || !strings.Contains(err.Error(), "not running") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(100); got != "100 bytes" {
		t.Errorf("formatBytes(100) = %s", got)
	}
	if got := formatBytes(1536 * 1024); got != "1.50 MB" {
		t.Errorf("formatBytes(1.5MB) = %s", got)
	}
}
