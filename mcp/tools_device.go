package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"Droidlink/pkg/types"
)

const defaultADBPort = 5555

// registerDeviceTools registers device management tools
func (s *MCPServer) registerDeviceTools() {
	// device_list - List connected devices
	s.server.AddTool(
		mcp.NewTool("device_list",
			mcp.WithDescription("List connected Android devices. Devices whose connection was lost are not listed."),
		),
		s.handleDeviceList,
	)

	// device_connect - Connect over the network
	s.server.AddTool(
		mcp.NewTool("device_connect",
			mcp.WithDescription("Connect to a device via ADB over the network. Connecting to an already connected device is a no-op."),
			mcp.WithString("host",
				mcp.Required(),
				mcp.Description("Device IP address or hostname, optionally with :port (e.g., 192.168.1.100 or 192.168.1.100:5555)"),
			),
			mcp.WithNumber("port",
				mcp.Description("ADB port (default: 5555)"),
			),
		),
		s.handleDeviceConnect,
	)

	// device_connect_usb - Connect the first USB device
	s.server.AddTool(
		mcp.NewTool("device_connect_usb",
			mcp.WithDescription("Connect to the first device attached over USB"),
		),
		s.handleDeviceConnectUSB,
	)

	// device_disconnect - Close a session
	s.server.AddTool(
		mcp.NewTool("device_disconnect",
			mcp.WithDescription("Disconnect a device and forget it"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial (e.g., 192.168.1.100:5555)"),
			),
		),
		s.handleDeviceDisconnect,
	)

	// device_info - Identity summary
	s.server.AddTool(
		mcp.NewTool("device_info",
			mcp.WithDescription("Get model, brand, Android version, SDK level and ABI of a device"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
		),
		s.handleDeviceInfo,
	)

	// device_properties - System properties
	s.server.AddTool(
		mcp.NewTool("device_properties",
			mcp.WithDescription("Read one system property, or all of them when name is omitted"),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("name",
				mcp.Description("Property name (e.g., ro.build.version.sdk)"),
			),
		),
		s.handleDeviceProperties,
	)

	// device_reboot - Reboot
	s.server.AddTool(
		mcp.NewTool("device_reboot",
			mcp.WithDescription("Reboot a device. The device is disconnected and must be connected again once it is back."),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Device serial"),
			),
			mcp.WithString("mode",
				mcp.Description("normal (default), recovery or bootloader"),
				mcp.Enum("normal", "recovery", "bootloader"),
			),
		),
		s.handleDeviceReboot,
	)
}

// Tool handlers

func (s *MCPServer) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.dm.List(ctx)
	if len(devices) == 0 {
		return textResult("No devices connected"), nil
	}

	result := fmt.Sprintf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		model := d.Model
		if model == "" {
			model = "unknown model"
		}
		result += fmt.Sprintf("%d. %s [%s]\n   Model: %s, Android: %s\n",
			i+1, d.Serial, d.Kind, model, orDash(d.AndroidVersion))
	}

	// Also include JSON for structured access
	jsonData, _ := json.MarshalIndent(devices, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

// splitHostPort accepts "host", "host:port" and "[v6]:port". A port inside
// host overrides the port argument.
func splitHostPort(host string, port int) (string, int, error) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q", p)
		}
		return h, n, nil
	}
	return strings.Trim(host, "[]"), port, nil
}

func (s *MCPServer) handleDeviceConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	hostArg, err := requireString(args, "host")
	if err != nil {
		return nil, err
	}
	host, port, err := splitHostPort(hostArg, optInt(args, "port", defaultADBPort))
	if err != nil {
		return nil, err
	}

	serial, err := s.dm.Connect(ctx, host, port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return textResult(fmt.Sprintf("Connected to %s", serial)), nil
}

func (s *MCPServer) handleDeviceConnectUSB(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serial, found, err := s.dm.ConnectUSB(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect USB device: %w", err)
	}
	if !found {
		return textResult("No USB device attached"), nil
	}
	return textResult(fmt.Sprintf("Connected to %s", serial)), nil
}

func (s *MCPServer) handleDeviceDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serial, err := requireString(request.GetArguments(), "device_id")
	if err != nil {
		return nil, err
	}

	if !s.dm.Disconnect(ctx, serial) {
		return textResult(fmt.Sprintf("Device %s was not connected", serial)), nil
	}
	return textResult(fmt.Sprintf("Disconnected %s", serial)), nil
}

func (s *MCPServer) handleDeviceInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serial, err := requireString(request.GetArguments(), "device_id")
	if err != nil {
		return nil, err
	}

	info, err := s.dm.DeviceInfo(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	result := fmt.Sprintf("Device: %s\n\n", serial)
	result += fmt.Sprintf("Model: %s\n", orDash(info.Model))
	result += fmt.Sprintf("Brand: %s\n", orDash(info.Brand))
	result += fmt.Sprintf("Manufacturer: %s\n", orDash(info.Manufacturer))
	result += fmt.Sprintf("Android Version: %s\n", orDash(info.AndroidVersion))
	result += fmt.Sprintf("SDK Level: %s\n", orDash(info.SDK))
	result += fmt.Sprintf("ABI: %s\n", orDash(info.ABI))
	for _, k := range sortedKeys(info.Props) {
		result += fmt.Sprintf("%s: %s\n", k, info.Props[k])
	}

	return textResult(result), nil
}

func (s *MCPServer) handleDeviceProperties(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}

	if name := optString(args, "name"); name != "" {
		value, ok, err := s.dm.GetProperty(ctx, serial, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read property: %w", err)
		}
		if !ok {
			return textResult(fmt.Sprintf("Property %s is not set", name)), nil
		}
		return textResult(fmt.Sprintf("%s=%s", name, value)), nil
	}

	props, err := s.dm.GetProperties(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read properties: %w", err)
	}
	if len(props) == 0 {
		return textResult("No properties could be read"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d properties:\n\n", len(props))
	for _, k := range sortedKeys(props) {
		fmt.Fprintf(&b, "[%s]: [%s]\n", k, props[k])
	}
	return textResult(b.String()), nil
}

func (s *MCPServer) handleDeviceReboot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial, err := requireString(args, "device_id")
	if err != nil {
		return nil, err
	}
	mode, err := types.ParseRebootMode(optString(args, "mode"))
	if err != nil {
		return nil, err
	}

	ok, err := s.confirmed(ctx, "Reboot", fmt.Sprintf("Device: %s\nMode: %s", serial, mode))
	if err != nil {
		return nil, err
	}
	if !ok {
		return cancelled("Reboot"), nil
	}

	if err := s.dm.Reboot(ctx, serial, mode); err != nil {
		return nil, fmt.Errorf("failed to reboot: %w", err)
	}
	return textResult(fmt.Sprintf("Rebooting %s into %s. Reconnect once it is back.", serial, mode)), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
