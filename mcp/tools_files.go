package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerFileTools registers file transfer and file system tools
func (s *MCPServer) registerFileTools() {
	serial := mcp.WithString("device_id",
		mcp.Required(),
		mcp.Description("Device serial"),
	)

	s.server.AddTool(
		mcp.NewTool("file_push",
			mcp.WithDescription("Copy a local file to the device"),
			serial,
			mcp.WithString("local_path", mcp.Required(), mcp.Description("Local file path")),
			mcp.WithString("remote_path", mcp.Required(), mcp.Description("Destination path on the device (e.g., /sdcard/Download/file.txt)")),
		),
		s.handleFilePush,
	)

	s.server.AddTool(
		mcp.NewTool("file_pull",
			mcp.WithDescription("Copy a file from the device to a local path"),
			serial,
			mcp.WithString("remote_path", mcp.Required(), mcp.Description("Path on the device")),
			mcp.WithString("local_path", mcp.Required(), mcp.Description("Local destination path; missing directories are created")),
		),
		s.handleFilePull,
	)

	s.server.AddTool(
		mcp.NewTool("file_list",
			mcp.WithDescription("List a directory on the device (ls -la)"),
			serial,
			mcp.WithString("path", mcp.Required(), mcp.Description("Directory path (e.g., /sdcard)")),
		),
		s.handleFileList,
	)

	s.server.AddTool(
		mcp.NewTool("file_read",
			mcp.WithDescription("Read a text file from the device. Files larger than max_size are refused; pull them instead."),
			serial,
			mcp.WithString("path", mcp.Required(), mcp.Description("File path on the device")),
			mcp.WithNumber("max_size", mcp.Description("Largest file size to read in bytes (default from server config)")),
		),
		s.handleFileRead,
	)

	s.server.AddTool(
		mcp.NewTool("file_write",
			mcp.WithDescription("Write text content to a file on the device, replacing it"),
			serial,
			mcp.WithString("path", mcp.Required(), mcp.Description("File path on the device")),
			mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
		),
		s.handleFileWrite,
	)

	s.server.AddTool(
		mcp.NewTool("file_delete",
			mcp.WithDescription("Delete a file, or a directory and everything in it"),
			serial,
			mcp.WithString("path", mcp.Required(), mcp.Description("Path on the device")),
		),
		s.handleFileDelete,
	)

	s.server.AddTool(
		mcp.NewTool("file_mkdir",
			mcp.WithDescription("Create a directory and any missing parents"),
			serial,
			mcp.WithString("path", mcp.Required(), mcp.Description("Directory path on the device")),
		),
		s.handleFileMkdir,
	)

	s.server.AddTool(
		mcp.NewTool("file_exists",
			mcp.WithDescription("Check whether a path exists on the device"),
			serial,
			mcp.WithString("path", mcp.Required(), mcp.Description("Path on the device")),
		),
		s.handleFileExists,
	)
}

func (s *MCPServer) handleFilePush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	local, err := requireString(args, "local_path")
	if err != nil {
		return nil, err
	}
	remote, err := requireString(args, "remote_path")
	if err != nil {
		return nil, err
	}

	if err := s.dm.PushFile(ctx, serial, local, remote); err != nil {
		return nil, fmt.Errorf("failed to push: %w", err)
	}
	return textResult(fmt.Sprintf("Pushed %s to %s:%s", local, serial, remote)), nil
}

func (s *MCPServer) handleFilePull(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	remote, err := requireString(args, "remote_path")
	if err != nil {
		return nil, err
	}
	local, err := requireString(args, "local_path")
	if err != nil {
		return nil, err
	}

	if err := s.dm.PullFile(ctx, serial, remote, local); err != nil {
		return nil, fmt.Errorf("failed to pull: %w", err)
	}
	return textResult(fmt.Sprintf("Pulled %s:%s to %s", serial, remote, local)), nil
}

func (s *MCPServer) handleFileList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	dir, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	out, err := s.dm.ListDirectory(ctx, serial, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	return textResult(out), nil
}

func (s *MCPServer) handleFileRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	file, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	content, err := s.dm.ReadFile(ctx, serial, file, optInt(args, "max_size", 0))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return textResult(content), nil
}

func (s *MCPServer) handleFileWrite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	file, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required")
	}

	if err := s.dm.WriteFile(ctx, serial, file, content); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return textResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), file)), nil
}

func (s *MCPServer) handleFileDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	file, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	ok, err := s.confirmed(ctx, "Delete", fmt.Sprintf("Device: %s\nPath: %s", serial, file))
	if err != nil {
		return nil, err
	}
	if !ok {
		return cancelled("Delete"), nil
	}

	if err := s.dm.DeleteFile(ctx, serial, file); err != nil {
		return nil, fmt.Errorf("failed to delete: %w", err)
	}
	return textResult(fmt.Sprintf("Deleted %s", file)), nil
}

func (s *MCPServer) handleFileMkdir(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	dir, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	if err := s.dm.CreateDirectory(ctx, serial, dir); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return textResult(fmt.Sprintf("Created %s", dir)), nil
}

func (s *MCPServer) handleFileExists(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	p, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	exists, err := s.dm.FileExists(ctx, serial, p)
	if err != nil {
		return nil, fmt.Errorf("failed to check path: %w", err)
	}
	if exists {
		return textResult(fmt.Sprintf("%s exists", p)), nil
	}
	return textResult(fmt.Sprintf("%s does not exist", p)), nil
}
