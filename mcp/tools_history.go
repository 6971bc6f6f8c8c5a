package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// registerHistoryTools registers journal query tools
func (s *MCPServer) registerHistoryTools() {
	// device_history - Recent operations and aggregate stats
	s.server.AddTool(
		mcp.NewTool("device_history",
			mcp.WithDescription("Show recent operations recorded for a device (connects, commands, transfers, reboots) with success rate and bytes moved"),
			mcp.WithString("device_id",
				mcp.Description("Device serial; omit for all devices"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Number of recent events to show (default: 20, max: 500)"),
			),
		),
		s.handleDeviceHistory,
	)
}

func (s *MCPServer) handleDeviceHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	serial := optString(args, "device_id")
	limit := optInt(args, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	stats, err := s.history.Stats(serial)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	events, err := s.history.Recent(serial, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	target := serial
	if target == "" {
		target = "all devices"
	}
	if stats.Total == 0 {
		return textResult(fmt.Sprintf("No history for %s", target)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "History for %s\n\n", target)
	fmt.Fprintf(&b, "Total operations: %d (%d failed)\n", stats.Total, stats.Failures)
	fmt.Fprintf(&b, "Average duration: %.0f ms\n", stats.AvgDurationMs)
	if stats.BytesMoved > 0 {
		fmt.Fprintf(&b, "Bytes transferred: %d\n", stats.BytesMoved)
	}
	if stats.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", stats.LastError)
	}

	kinds := make([]string, 0, len(stats.ByKind))
	for k := range stats.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	b.WriteString("\nBy kind:\n")
	for _, k := range kinds {
		fmt.Fprintf(&b, "- %s: %d\n", k, stats.ByKind[k])
	}

	fmt.Fprintf(&b, "\nLast %d event(s):\n", len(events))
	for _, e := range events {
		status := "ok"
		if !e.Success {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "%s  %-10s %-22s %6d ms  %s\n",
			e.Timestamp.Format(time.RFC3339), e.Kind, e.Serial, e.DurationMs, status)
	}

	jsonData, _ := json.MarshalIndent(events, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(b.String()),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}
