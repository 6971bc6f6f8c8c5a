package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"Droidlink/pkg/types"
)

// registerDiagnosticTools registers bug report and heap dump tools
func (s *MCPServer) registerDiagnosticTools() {
	// device_bugreport - Full diagnostic archive
	s.server.AddTool(
		mcp.NewTool("device_bugreport",
			mcp.WithDescription("Capture a bug report (system logs, device state, running processes) as a zip file on this machine. This can take several minutes."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("output_path",
				mcp.Description("Local path for the zip (default: a new temporary directory)"),
			),
			mcp.WithBoolean("include_screenshot",
				mcp.Description("Also save a screenshot next to the report (default: true)"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Give up after this many seconds (default: 300)"),
			),
		),
		s.handleBugreport,
	)

	// device_dump_heap - Heap dump of a running app
	s.server.AddTool(
		mcp.NewTool("device_dump_heap",
			mcp.WithDescription("Capture a heap dump of a running app and save it as an .hprof file on this machine"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Package name of a running app, or a process ID"),
			),
			mcp.WithString("output_path",
				mcp.Description("Local path for the .hprof file (default: a new temporary directory)"),
			),
			mcp.WithBoolean("native",
				mcp.Description("Dump the native heap instead of the Java heap (usually needs root)"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Give up after this many seconds (default: 120)"),
			),
		),
		s.handleDumpHeap,
	)
}

func optSeconds(args map[string]interface{}, key string) time.Duration {
	if n := optInt(args, key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return 0
}

func (s *MCPServer) handleBugreport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	res, err := s.dm.CaptureBugreport(ctx, serial, types.BugreportOptions{
		OutputPath: optString(args, "output_path"),
		Screenshot: optBoolOr(args, "include_screenshot", true),
		Timeout:    optSeconds(args, "timeout_seconds"),
	})
	if err != nil {
		if types.KindOf(err) == types.ErrTimeout {
			return nil, fmt.Errorf("bug report timed out, try a larger timeout_seconds: %w", err)
		}
		return nil, fmt.Errorf("failed to capture bug report: %w", err)
	}

	result := fmt.Sprintf("Bug report saved to: %s (%s)", res.Path, formatBytes(res.Bytes))
	if res.Screenshot != "" {
		result += fmt.Sprintf("\nScreenshot: %s", res.Screenshot)
	}
	if res.Temporary {
		result += "\nThe file is in a temporary directory; move it if you want to keep it."
	}
	return textResult(result), nil
}

func (s *MCPServer) handleDumpHeap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	target, err := requireString(args, "target")
	if err != nil {
		return nil, err
	}
	native := optBool(args, "native")

	res, err := s.dm.DumpHeap(ctx, serial, target, types.HeapDumpOptions{
		OutputPath: optString(args, "output_path"),
		Native:     native,
		Timeout:    optSeconds(args, "timeout_seconds"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dump heap: %w", err)
	}

	kind := "Java"
	if native {
		kind = "Native"
	}
	result := fmt.Sprintf("%s heap dump of process %d saved to: %s (%s)", kind, res.PID, res.Path, formatBytes(res.Bytes))
	if !native {
		result += "\nConvert it with `hprof-conv` before opening it in a standard heap analyzer."
	}
	return textResult(result), nil
}

func formatBytes(n int64) string {
	const mb = 1024 * 1024
	if n >= mb {
		return fmt.Sprintf("%.2f MB", float64(n)/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
