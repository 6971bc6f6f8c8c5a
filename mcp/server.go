// Package mcp exposes the device facade over the Model Context Protocol so
// AI clients (such as Claude Desktop) can drive Android devices.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"Droidlink/pkg/config"
	"Droidlink/pkg/journal"
	"Droidlink/pkg/logging"
	"Droidlink/pkg/types"
)

// DeviceManager is what the MCP server needs from the device layer.
// *device.Facade implements it.
type DeviceManager interface {
	// Sessions
	List(ctx context.Context) []types.DeviceSummary
	Connect(ctx context.Context, host string, port int) (string, error)
	ConnectUSB(ctx context.Context) (string, bool, error)
	Disconnect(ctx context.Context, serial string) bool

	// Properties
	DeviceInfo(ctx context.Context, serial string) (*types.DeviceInfo, error)
	GetProperty(ctx context.Context, serial, name string) (string, bool, error)
	GetProperties(ctx context.Context, serial string) (map[string]string, error)

	// Shell and logs
	ShellBounded(ctx context.Context, serial, command string, maxLines, maxSize int) (types.BoundedOutput, error)
	GetLogcat(ctx context.Context, serial string, lines int, filter string, maxSize int) (types.BoundedOutput, error)

	// Files
	PushFile(ctx context.Context, serial, local, remote string) error
	PullFile(ctx context.Context, serial, remote, local string) error
	ListDirectory(ctx context.Context, serial, dir string) (string, error)
	ReadFile(ctx context.Context, serial, file string, maxSize int) (string, error)
	WriteFile(ctx context.Context, serial, file, content string) error
	DeleteFile(ctx context.Context, serial, file string) error
	CreateDirectory(ctx context.Context, serial, dir string) error
	FileExists(ctx context.Context, serial, path string) (bool, error)

	// Apps
	InstallApp(ctx context.Context, serial, apkPath string, reinstall, grantPermissions bool) (string, error)
	UninstallApp(ctx context.Context, serial, pkg string, keepData bool) (string, error)
	StartApp(ctx context.Context, serial, pkg, activity string) (string, error)
	StopApp(ctx context.Context, serial, pkg string) (string, error)
	ClearAppData(ctx context.Context, serial, pkg string) (string, error)
	ListPackages(ctx context.Context, serial string, includeSystem bool) ([]types.AppPackage, error)

	// Power and screen
	Reboot(ctx context.Context, serial string, mode types.RebootMode) error
	TakeScreenshot(ctx context.Context, serial string) ([]byte, error)

	// Diagnostics
	CaptureBugreport(ctx context.Context, serial string, opts types.BugreportOptions) (*types.CaptureResult, error)
	DumpHeap(ctx context.Context, serial, target string, opts types.HeapDumpOptions) (*types.CaptureResult, error)
	ANRTraces(ctx context.Context, serial string) (*types.ANRReport, error)
	CrashReport(ctx context.Context, serial string) (*types.CrashReport, error)
	BatteryStatus(ctx context.Context, serial string) (*types.BatteryReport, error)
	AppManifest(ctx context.Context, serial, pkg string) (*types.AppManifest, error)
}

// History reads the session journal. *journal.Store implements it.
type History interface {
	Recent(serial string, limit int) ([]journal.Event, error)
	Stats(serial string) (*journal.Stats, error)
}

// Options configure the MCP server.
type Options struct {
	Version string
	// History backs device_history; nil disables the tool.
	History History
	// ConfirmDestructive asks the client before destructive tools run.
	ConfirmDestructive bool
}

// MCPServer wraps the MCP server
type MCPServer struct {
	dm      DeviceManager
	history History
	confirm bool
	server  *server.MCPServer

	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates a new MCP server for Droidlink
func NewMCPServer(dm DeviceManager, opts Options) *MCPServer {
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	serverOpts := []server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithLogging(),
	}
	if opts.ConfirmDestructive {
		serverOpts = append(serverOpts, server.WithElicitation())
	}

	s := &MCPServer{
		dm:      dm,
		history: opts.History,
		confirm: opts.ConfirmDestructive,
		server:  server.NewMCPServer("droidlink", version, serverOpts...),
	}

	s.registerTools()
	s.registerResources()

	return s
}

// registerTools registers all MCP tools
func (s *MCPServer) registerTools() {
	s.registerDeviceTools()
	s.registerShellTools()
	s.registerScreenTools()
	s.registerFileTools()
	s.registerAppTools()
	s.registerDiagnosticTools()
	if s.history != nil {
		s.registerHistoryTools()
	}
}

// registerResources registers all MCP resources
func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			devicesURI,
			"Connected Android devices",
			mcp.WithMIMEType("application/json"),
		),
		s.handleDevicesResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			devicesURI+"/{serial}",
			"Device information",
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleDeviceInfoResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			devicesURI+"/{serial}/logs/anr",
			"ANR traces",
			mcp.WithTemplateDescription("Most recent Application Not Responding traces (usually needs root)"),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleANRResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			devicesURI+"/{serial}/logs/crashes",
			"Crash reports",
			mcp.WithTemplateDescription("Native tombstones, dropbox crash entries and the logcat crash buffer"),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleCrashesResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			devicesURI+"/{serial}/battery",
			"Battery status",
			mcp.WithTemplateDescription("Battery level, health and temperature plus the history since the last charge"),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleBatteryResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			devicesURI+"/{serial}/apps/{package}/manifest",
			"App manifest",
			mcp.WithTemplateDescription("Version, permissions and components of an installed app"),
			mcp.WithTemplateMIMEType("text/markdown"),
		),
		s.handleManifestResource,
	)
}

// Serve runs the configured transport until ctx is cancelled or the client
// goes away.
func (s *MCPServer) Serve(ctx context.Context, cfg config.ServerConfig) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	switch cfg.Transport {
	case "sse":
		return s.serveSSE(ctx, cfg)
	default:
		return s.serveStdio(ctx)
	}
}

func (s *MCPServer) serveStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.server)
	stdio.SetErrorLogger(log.New(logging.Logger.With().Str("module", "mcp").Logger(), "", 0))

	logging.Info("mcp").Str("transport", "stdio").Msg("MCP server started")
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("mcp").Err(err).Msg("MCP server error")
		return err
	}
	return nil
}

func (s *MCPServer) serveSSE(ctx context.Context, cfg config.ServerConfig) error {
	opts := []server.SSEOption{}
	if cfg.BaseURL != "" {
		opts = append(opts, server.WithBaseURL(cfg.BaseURL))
	}
	sse := server.NewSSEServer(s.server, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sse.Start(cfg.Address)
	}()
	logging.Info("mcp").Str("transport", "sse").Str("address", cfg.Address).Msg("MCP server started")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("mcp").Err(err).Msg("MCP server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sse.Shutdown(shutdownCtx); err != nil {
		logging.Warn("mcp").Err(err).Msg("SSE shutdown")
	}
	return nil
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// confirmed asks the client to approve a destructive operation. It returns
// true straight away when confirmation is not enabled.
func (s *MCPServer) confirmed(ctx context.Context, operation, details string) (bool, error) {
	if !s.confirm {
		return true, nil
	}

	elicitationRequest := mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: fmt.Sprintf("Destructive operation: %s\n\nDetails: %s\n\nDo you want to proceed?", operation, details),
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirm to proceed with this operation",
					},
				},
				"required": []string{"confirm"},
			},
		},
	}

	result, err := s.server.RequestElicitation(ctx, elicitationRequest)
	if err != nil {
		return false, fmt.Errorf("failed to request confirmation: %w", err)
	}

	if result.Action != mcp.ElicitationResponseActionAccept {
		return false, nil
	}

	data, ok := result.Content.(map[string]any)
	if !ok {
		return false, fmt.Errorf("unexpected response format")
	}

	confirm, ok := data["confirm"].(bool)
	if !ok {
		return false, fmt.Errorf("invalid confirmation response")
	}

	return confirm, nil
}

func cancelled(operation string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(operation + " cancelled by user"),
		},
	}
}

// ========================================
// Argument helpers
// ========================================

func requireString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// optInt reads a JSON number; MCP arguments decode numbers as float64.
func optInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func optBool(args map[string]interface{}, key string) bool {
	return optBoolOr(args, key, false)
}

func optBoolOr(args map[string]interface{}, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
