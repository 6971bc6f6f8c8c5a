package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerScreenTools registers screen capture tools
func (s *MCPServer) registerScreenTools() {
	// device_screenshot - Capture the screen
	s.server.AddTool(
		mcp.NewTool("device_screenshot",
			mcp.WithDescription("Take a screenshot of the device screen. Returns the image as base64 PNG."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("save_path",
				mcp.Description("Optional local path to also save the PNG"),
			),
		),
		s.handleScreenshot,
	)
}

func (s *MCPServer) handleScreenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	imageData, err := s.dm.TakeScreenshot(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}

	textInfo := fmt.Sprintf("Screenshot captured for device %s (%d bytes)", serial, len(imageData))

	if savePath := optString(args, "save_path"); savePath != "" {
		err := os.MkdirAll(filepath.Dir(savePath), 0755)
		if err == nil {
			err = os.WriteFile(savePath, imageData, 0644)
		}
		if err != nil {
			textInfo += fmt.Sprintf("\nFailed to save to %s: %v", savePath, err)
		} else {
			textInfo += fmt.Sprintf("\nSaved to: %s", savePath)
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewImageContent(base64.StdEncoding.EncodeToString(imageData), "image/png"),
			mcp.NewTextContent(textInfo),
		},
	}, nil
}
