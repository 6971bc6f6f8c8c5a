package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"Droidlink/pkg/types"
)

// registerShellTools registers shell and logcat tools
func (s *MCPServer) registerShellTools() {
	// device_shell - Run a shell command
	s.server.AddTool(
		mcp.NewTool("device_shell",
			mcp.WithDescription("Run a shell command on a device. Output is capped: commands known to produce a lot of output (cat, find, dumpsys, pm list, ls -R) are limited to 500 lines unless max_lines asks for fewer, and the total size is capped at max_size bytes. Truncated output ends with an '[output truncated: N lines, M bytes]' line."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("Shell command (e.g., 'ls /sdcard', 'getprop ro.build.version.sdk')"),
			),
			mcp.WithNumber("max_lines",
				mcp.Description("Keep the first N lines; a negative value keeps the last N lines; 0 means no line limit"),
			),
			mcp.WithNumber("max_size",
				mcp.Description("Maximum output bytes (default from server config, negative disables the cap)"),
			),
		),
		s.handleShell,
	)

	// device_logcat - Dump the log buffer
	s.server.AddTool(
		mcp.NewTool("device_logcat",
			mcp.WithDescription("Dump the device log buffer. Large dumps start with a per-level summary table."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithNumber("lines",
				mcp.Description("Only the most recent N lines (default: whole buffer)"),
			),
			mcp.WithString("filter",
				mcp.Description("Logcat filter spec (e.g., 'ActivityManager:I *:S'); shell metacharacters are removed"),
			),
			mcp.WithNumber("max_size",
				mcp.Description("Maximum output bytes (default from server config)"),
			),
		),
		s.handleLogcat,
	)
}

func (s *MCPServer) handleShell(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	command, err := requireString(args, "command")
	if err != nil {
		return nil, err
	}

	res, err := s.dm.ShellBounded(ctx, serial, command, optInt(args, "max_lines", 0), optInt(args, "max_size", 0))
	if err != nil {
		if types.KindOf(err) == types.ErrCommandFailed {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent(fmt.Sprintf("Command failed: %v", err)),
				},
				IsError: true,
			}, nil
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	if res.Text == "" {
		return textResult("Command executed successfully (no output)"), nil
	}
	return textResult(res.Text), nil
}

func (s *MCPServer) handleLogcat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	res, err := s.dm.GetLogcat(ctx, serial, optInt(args, "lines", 0), optString(args, "filter"), optInt(args, "max_size", 0))
	if err != nil {
		return nil, fmt.Errorf("failed to read logcat: %w", err)
	}
	if res.Text == "" {
		return textResult("Log buffer is empty"), nil
	}
	return textResult(res.Text), nil
}
