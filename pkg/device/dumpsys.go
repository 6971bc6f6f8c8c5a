package device

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"Droidlink/pkg/types"
)

var (
	packageFieldPattern = regexp.MustCompile(`\b(versionCode|versionName|minSdk|targetSdk|codePath|dataDir|primaryCpuAbi|userId|appId)=(\S+)`)
	componentPattern    = regexp.MustCompile(`\S+/\S+`)
)

var (
	batteryStatus = map[string]string{"1": "unknown", "2": "charging", "3": "discharging", "4": "not charging", "5": "full"}
	batteryHealth = map[string]string{
		"1": "unknown",
		"2": "good",
		"3": "overheat",
		"4": "dead",
		"5": "over voltage",
		"6": "unspecified failure",
		"7": "cold",
	}
)

// parseBatteryState reads the "key: value" lines of "dumpsys battery".
func parseBatteryState(raw string) types.BatteryReport {
	r := types.BatteryReport{Raw: raw, Scale: 100, Status: "unknown", Health: "unknown"}
	var plugged []string
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "level":
			r.Level, _ = strconv.Atoi(value)
		case "scale":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				r.Scale = n
			}
		case "status":
			if s, ok := batteryStatus[value]; ok {
				r.Status = s
			}
		case "health":
			if h, ok := batteryHealth[value]; ok {
				r.Health = h
			}
		case "temperature":
			// tenths of a degree
			if n, err := strconv.Atoi(value); err == nil {
				r.Temperature = float64(n) / 10
			}
		case "voltage":
			r.VoltageMV, _ = strconv.Atoi(value)
		case "technology":
			r.Technology = value
		case "AC powered", "USB powered", "Wireless powered", "Dock powered":
			if value == "true" {
				plugged = append(plugged, strings.TrimSuffix(key, " powered"))
			}
		}
	}
	r.PluggedInto = strings.Join(plugged, ", ")
	return r
}

// parsePackageDump extracts the manifest of pkg from "dumpsys package pkg".
// found is false when the dump has no entry for pkg.
func parsePackageDump(pkg, dump string) (m *types.AppManifest, found bool) {
	m = &types.AppManifest{
		Package:              pkg,
		DeclaredPermissions:  []string{},
		RequestedPermissions: []string{},
		Activities:           []string{},
		Services:             []string{},
		Receivers:            []string{},
		Providers:            []string{},
	}
	header := "Package [" + pkg + "]"
	prefix := pkg + "/"

	var (
		table         *[]string
		list          *[]string
		listIndent    int
		inPackage     bool
		packageIndent int
	)

	for _, line := range strings.Split(strings.ReplaceAll(dump, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if indent == 0 {
			table, list, inPackage = nil, nil, false
			switch trimmed {
			case "Activity Resolver Table:":
				table = &m.Activities
			case "Receiver Resolver Table:":
				table = &m.Receivers
			case "Service Resolver Table:":
				table = &m.Services
			case "Provider Resolver Table:", "Registered ContentProviders:":
				table = &m.Providers
			}
			continue
		}

		if table != nil {
			for _, c := range componentPattern.FindAllString(trimmed, -1) {
				c = strings.TrimRight(c, ":}),")
				if strings.HasPrefix(c, prefix) {
					appendUnique(table, c)
				}
			}
			continue
		}

		if strings.HasPrefix(trimmed, header) {
			inPackage, found, packageIndent, list = true, true, indent, nil
			continue
		}
		if !inPackage {
			continue
		}
		if indent <= packageIndent {
			inPackage, list = false, nil
			continue
		}

		if list != nil {
			if indent > listIndent {
				name, _, _ := strings.Cut(trimmed, ":")
				appendUnique(list, strings.TrimSpace(name))
				continue
			}
			list = nil
		}

		switch trimmed {
		case "declared permissions:":
			list, listIndent = &m.DeclaredPermissions, indent
			continue
		case "requested permissions:":
			list, listIndent = &m.RequestedPermissions, indent
			continue
		}

		if v, ok := strings.CutPrefix(trimmed, "firstInstallTime="); ok {
			setOnce(&m.FirstInstall, v)
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, "lastUpdateTime="); ok {
			setOnce(&m.LastUpdate, v)
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, "flags=["); ok {
			if m.Flags == nil {
				m.Flags = strings.Fields(strings.TrimSuffix(v, "]"))
			}
			continue
		}
		for _, match := range packageFieldPattern.FindAllStringSubmatch(trimmed, -1) {
			switch match[1] {
			case "versionCode":
				setOnce(&m.VersionCode, match[2])
			case "versionName":
				setOnce(&m.VersionName, match[2])
			case "minSdk":
				setOnce(&m.MinSDK, match[2])
			case "targetSdk":
				setOnce(&m.TargetSDK, match[2])
			case "codePath":
				setOnce(&m.CodePath, match[2])
			case "dataDir":
				setOnce(&m.DataDir, match[2])
			case "userId", "appId":
				setOnce(&m.UserID, match[2])
			case "primaryCpuAbi":
				if match[2] != "null" {
					setOnce(&m.CPUABI, match[2])
				}
			}
		}
	}
	return m, found
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}

func appendUnique(list *[]string, v string) {
	for _, have := range *list {
		if have == v {
			return
		}
	}
	*list = append(*list, v)
}

// parseBugreportz returns the device path of the finished report. bugreportz
// answers "OK:<path>" or "FAIL:<reason>".
func parseBugreportz(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if p, ok := strings.CutPrefix(line, "OK:"); ok {
			return strings.TrimSpace(p), nil
		}
		if reason, ok := strings.CutPrefix(line, "FAIL:"); ok {
			return "", errors.New(strings.TrimSpace(reason))
		}
	}
	return "", fmt.Errorf("unexpected bugreportz output: %q", clip(strings.TrimSpace(out), 200))
}

// parseListing splits "ls -1t" output into file names, newest first. When the
// directory is missing or unreadable the names are empty and note says why.
func parseListing(dir, out string) (names []string, note string) {
	switch {
	case strings.Contains(out, "No such file or directory"):
		return nil, dir + " does not exist"
	case strings.Contains(out, "Permission denied"):
		return nil, dir + " is not readable without root"
	}
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasPrefix(name, "total ") {
			continue
		}
		names = append(names, name)
	}
	return names, ""
}

// firstPID returns the first PID printed by pidof, or 0.
func firstPID(out string) int {
	for _, f := range strings.Fields(out) {
		if n, err := strconv.Atoi(f); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// psPID finds the PID of an exact process name in "ps -A -o PID,NAME" output.
func psPID(out, name string) int {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[len(fields)-1] != name {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
