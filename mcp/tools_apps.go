package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerAppTools registers app management tools
func (s *MCPServer) registerAppTools() {
	// app_list - List installed apps
	s.server.AddTool(
		mcp.NewTool("app_list",
			mcp.WithDescription("List installed packages. Only user-installed apps unless include_system is set."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithBoolean("include_system",
				mcp.Description("Include system packages (default: false)"),
			),
		),
		s.handleAppList,
	)

	// app_start - Launch an app
	s.server.AddTool(
		mcp.NewTool("app_start",
			mcp.WithDescription("Start an app by package name, optionally at a given activity"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("package_name",
				mcp.Required(),
				mcp.Description("Package name (e.g., com.example.app)"),
			),
			mcp.WithString("activity",
				mcp.Description("Activity to start (e.g., .MainActivity); default is the launcher activity"),
			),
		),
		s.handleAppStart,
	)

	// app_stop - Force stop an app
	s.server.AddTool(
		mcp.NewTool("app_stop",
			mcp.WithDescription("Force stop an app"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("package_name",
				mcp.Required(),
				mcp.Description("Package name"),
			),
		),
		s.handleAppStop,
	)

	// app_install - Install an APK
	s.server.AddTool(
		mcp.NewTool("app_install",
			mcp.WithDescription("Install an APK file on the device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("apk_path",
				mcp.Required(),
				mcp.Description("Local path to the APK file"),
			),
			mcp.WithBoolean("reinstall",
				mcp.Description("Replace an existing installation, keeping its data"),
			),
			mcp.WithBoolean("grant_permissions",
				mcp.Description("Grant all runtime permissions"),
			),
		),
		s.handleAppInstall,
	)

	// app_uninstall - Uninstall an app
	s.server.AddTool(
		mcp.NewTool("app_uninstall",
			mcp.WithDescription("Uninstall an app from the device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("package_name",
				mcp.Required(),
				mcp.Description("Package name"),
			),
			mcp.WithBoolean("keep_data",
				mcp.Description("Keep the app data and cache directories"),
			),
		),
		s.handleAppUninstall,
	)

	// app_clear_data - Clear app data
	s.server.AddTool(
		mcp.NewTool("app_clear_data",
			mcp.WithDescription("Clear all data of an app"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("package_name",
				mcp.Required(),
				mcp.Description("Package name"),
			),
		),
		s.handleAppClearData,
	)
}

// Tool handlers

func (s *MCPServer) handleAppList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	packages, err := s.dm.ListPackages(ctx, serial, optBool(args, "include_system"))
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	if len(packages) == 0 {
		return textResult("No packages found"), nil
	}

	result := fmt.Sprintf("Found %d package(s):\n\n", len(packages))
	for _, p := range packages {
		result += fmt.Sprintf("- %s (%s)\n", p.Name, p.Type)
	}

	jsonData, _ := json.MarshalIndent(packages, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

func (s *MCPServer) handleAppStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(args, "package_name")
	if err != nil {
		return nil, err
	}

	out, err := s.dm.StartApp(ctx, serial, pkg, optString(args, "activity"))
	if err != nil {
		return nil, fmt.Errorf("failed to start app: %w", err)
	}
	return textResult(fmt.Sprintf("Started %s\n%s", pkg, out)), nil
}

func (s *MCPServer) handleAppStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(args, "package_name")
	if err != nil {
		return nil, err
	}

	if _, err := s.dm.StopApp(ctx, serial, pkg); err != nil {
		return nil, fmt.Errorf("failed to stop app: %w", err)
	}
	return textResult(fmt.Sprintf("Stopped %s", pkg)), nil
}

// Destructive operations - confirmed when the server asks for it

func (s *MCPServer) handleAppInstall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	apkPath, err := requireString(args, "apk_path")
	if err != nil {
		return nil, err
	}

	ok, err := s.confirmed(ctx, "Install APK", fmt.Sprintf("Device: %s\nAPK: %s", serial, apkPath))
	if err != nil {
		return nil, err
	}
	if !ok {
		return cancelled("Installation"), nil
	}

	out, err := s.dm.InstallApp(ctx, serial, apkPath, optBool(args, "reinstall"), optBool(args, "grant_permissions"))
	if err != nil {
		return nil, fmt.Errorf("failed to install: %w", err)
	}
	return textResult(fmt.Sprintf("APK installed successfully\n%s", out)), nil
}

func (s *MCPServer) handleAppUninstall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(args, "package_name")
	if err != nil {
		return nil, err
	}

	ok, err := s.confirmed(ctx, "Uninstall App", fmt.Sprintf("Device: %s\nPackage: %s", serial, pkg))
	if err != nil {
		return nil, err
	}
	if !ok {
		return cancelled("Uninstall"), nil
	}

	out, err := s.dm.UninstallApp(ctx, serial, pkg, optBool(args, "keep_data"))
	if err != nil {
		return nil, fmt.Errorf("failed to uninstall: %w", err)
	}
	return textResult(fmt.Sprintf("Uninstalled %s\n%s", pkg, out)), nil
}

func (s *MCPServer) handleAppClearData(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	pkg, err := requireString(args, "package_name")
	if err != nil {
		return nil, err
	}

	ok, err := s.confirmed(ctx, "Clear App Data", fmt.Sprintf("Device: %s\nPackage: %s", serial, pkg))
	if err != nil {
		return nil, err
	}
	if !ok {
		return cancelled("Clear data"), nil
	}

	if _, err := s.dm.ClearAppData(ctx, serial, pkg); err != nil {
		return nil, fmt.Errorf("failed to clear app data: %w", err)
	}
	return textResult(fmt.Sprintf("Cleared data of %s", pkg)), nil
}
