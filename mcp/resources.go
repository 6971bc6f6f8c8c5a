package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"Droidlink/pkg/types"
)

const devicesURI = "droidlink://devices"

// handleDevicesResource handles the droidlink://devices resource
func (s *MCPServer) handleDevicesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	devices := s.dm.List(ctx)
	if devices == nil {
		devices = []types.DeviceSummary{}
	}
	return jsonResource(request.Params.URI, devices)
}

// deviceURIPath splits a droidlink://devices/... URI into its unescaped path
// segments. Clients escape the ':' of network serials as %3A.
func deviceURIPath(uri string) ([]string, error) {
	rest, ok := strings.CutPrefix(uri, devicesURI+"/")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	segs := strings.Split(rest, "/")
	for i, seg := range segs {
		v, err := url.PathUnescape(seg)
		if err != nil || v == "" {
			return nil, fmt.Errorf("invalid URI format: %s", uri)
		}
		segs[i] = v
	}
	return segs, nil
}

// deviceURISerial returns the serial of droidlink://devices/{serial}/<suffix>
func deviceURISerial(uri string, suffix ...string) (string, error) {
	segs, err := deviceURIPath(uri)
	if err != nil {
		return "", err
	}
	if len(segs) != len(suffix)+1 {
		return "", fmt.Errorf("invalid URI format: %s", uri)
	}
	for i, want := range suffix {
		if segs[i+1] != want {
			return "", fmt.Errorf("invalid URI format: %s", uri)
		}
	}
	return segs[0], nil
}

// handleDeviceInfoResource handles the droidlink://devices/{serial} resource template
func (s *MCPServer) handleDeviceInfoResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	serial, err := deviceURISerial(uri)
	if err != nil {
		return nil, err
	}

	info, err := s.dm.DeviceInfo(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}
	return jsonResource(uri, info)
}

// handleANRResource handles droidlink://devices/{serial}/logs/anr
func (s *MCPServer) handleANRResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	serial, err := deviceURISerial(uri, "logs", "anr")
	if err != nil {
		return nil, err
	}

	report, err := s.dm.ANRTraces(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read ANR traces: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# ANR Traces: %s\n\n", serial)
	if report.Note != "" {
		fmt.Fprintf(&b, "%s.\n", report.Note)
	}
	for i, tf := range report.Traces {
		fmt.Fprintf(&b, "\n## Trace %d: %s\n\n", i+1, tf.Path)
		writeFenced(&b, tf.Text, tf.Truncated)
	}
	if len(report.Others) > 0 {
		b.WriteString("\n## Older traces\n\n")
		for _, p := range report.Others {
			fmt.Fprintf(&b, "- `%s`\n", p)
		}
	}
	return markdownResource(uri, b.String()), nil
}

// handleCrashesResource handles droidlink://devices/{serial}/logs/crashes
func (s *MCPServer) handleCrashesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	serial, err := deviceURISerial(uri, "logs", "crashes")
	if err != nil {
		return nil, err
	}

	report, err := s.dm.CrashReport(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read crash reports: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Crash Reports: %s\n", serial)

	b.WriteString("\n## Tombstones\n\n")
	if len(report.Tombstones) == 0 {
		b.WriteString("No tombstones found.\n")
	}
	for _, tf := range report.Tombstones {
		fmt.Fprintf(&b, "### %s\n\n", tf.Path)
		writeFenced(&b, tf.Text, tf.Truncated)
	}

	b.WriteString("\n## Dropbox\n\n")
	if len(report.Dropbox) == 0 {
		b.WriteString("No crash entries found.\n")
	}
	for _, tf := range report.Dropbox {
		fmt.Fprintf(&b, "### %s\n\n", tf.Path)
		writeFenced(&b, tf.Text, tf.Truncated)
	}

	b.WriteString("\n## Logcat crash buffer\n\n")
	if strings.TrimSpace(report.Logcat.Text) == "" {
		b.WriteString("The crash buffer is empty.\n")
	} else {
		writeFenced(&b, report.Logcat.Text, false)
	}

	if len(report.Notes) > 0 {
		b.WriteString("\n## Notes\n\n")
		for _, n := range report.Notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return markdownResource(uri, b.String()), nil
}

// handleBatteryResource handles droidlink://devices/{serial}/battery
func (s *MCPServer) handleBatteryResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	serial, err := deviceURISerial(uri, "battery")
	if err != nil {
		return nil, err
	}

	r, err := s.dm.BatteryStatus(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to read battery status: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Battery: %s\n\n", serial)
	fmt.Fprintf(&b, "- **Level:** %d/%d\n", r.Level, r.Scale)
	fmt.Fprintf(&b, "- **Status:** %s\n", r.Status)
	fmt.Fprintf(&b, "- **Health:** %s\n", r.Health)
	fmt.Fprintf(&b, "- **Temperature:** %.1f°C\n", r.Temperature)
	fmt.Fprintf(&b, "- **Voltage:** %d mV\n", r.VoltageMV)
	fmt.Fprintf(&b, "- **Power source:** %s\n", orDefault(r.PluggedInto, "battery"))
	if r.Technology != "" {
		fmt.Fprintf(&b, "- **Technology:** %s\n", r.Technology)
	}
	b.WriteString("\n## Since last charge\n\n")
	writeFenced(&b, r.History.Text, false)
	return markdownResource(uri, b.String()), nil
}

// handleManifestResource handles droidlink://devices/{serial}/apps/{package}/manifest
func (s *MCPServer) handleManifestResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	segs, err := deviceURIPath(uri)
	if err != nil {
		return nil, err
	}
	if len(segs) != 4 || segs[1] != "apps" || segs[3] != "manifest" {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	serial, pkg := segs[0], segs[2]

	m, err := s.dm.AppManifest(ctx, serial, pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Package)
	for _, f := range [][2]string{
		{"Version name", m.VersionName},
		{"Version code", m.VersionCode},
		{"Min SDK", m.MinSDK},
		{"Target SDK", m.TargetSDK},
		{"Install path", m.CodePath},
		{"Data directory", m.DataDir},
		{"User ID", m.UserID},
		{"CPU ABI", m.CPUABI},
		{"First install", m.FirstInstall},
		{"Last update", m.LastUpdate},
	} {
		if f[1] != "" {
			fmt.Fprintf(&b, "- **%s:** %s\n", f[0], f[1])
		}
	}
	if len(m.Flags) > 0 {
		fmt.Fprintf(&b, "- **Flags:** %s\n", strings.Join(m.Flags, " "))
	}

	writeList(&b, "Declared permissions", m.DeclaredPermissions)
	writeList(&b, "Requested permissions", m.RequestedPermissions)
	writeList(&b, "Activities", m.Activities)
	writeList(&b, "Services", m.Services)
	writeList(&b, "Receivers", m.Receivers)
	writeList(&b, "Providers", m.Providers)
	return markdownResource(uri, b.String()), nil
}

func writeFenced(b *strings.Builder, text string, truncated bool) {
	b.WriteString("```\n")
	b.WriteString(strings.TrimRight(text, "\n"))
	b.WriteString("\n```\n")
	if truncated {
		b.WriteString("_(truncated)_\n")
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n## %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("None.\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- `%s`\n", it)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func markdownResource(uri, text string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/markdown",
			Text:     text,
		},
	}
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", uri, err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
