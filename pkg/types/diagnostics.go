package types

import "time"

// BugreportOptions tune a bug report capture. A zero Timeout uses the
// facade default; an empty OutputPath writes into a fresh temp directory.
type BugreportOptions struct {
	OutputPath string
	Screenshot bool
	Timeout    time.Duration
}

// HeapDumpOptions tune a heap dump. Native dumps usually need a rooted device.
type HeapDumpOptions struct {
	OutputPath string
	Native     bool
	Timeout    time.Duration
}

// CaptureResult describes a diagnostic file pulled to the local machine
type CaptureResult struct {
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	Temporary  bool   `json:"temporary"`
	Screenshot string `json:"screenshot,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// TraceFile is the head of a device-side log file
type TraceFile struct {
	Path      string `json:"path"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// ANRReport holds the most recent ANR traces. Others names the older files
// that were not read. Note explains an empty report.
type ANRReport struct {
	Dir    string      `json:"dir"`
	Traces []TraceFile `json:"traces"`
	Others []string    `json:"others,omitempty"`
	Note   string      `json:"note,omitempty"`
}

// CrashReport gathers native tombstones, dropbox crash entries and the
// logcat crash buffer.
type CrashReport struct {
	Tombstones []TraceFile   `json:"tombstones"`
	Dropbox    []TraceFile   `json:"dropbox"`
	Logcat     BoundedOutput `json:"logcat"`
	Notes      []string      `json:"notes,omitempty"`
}

// BatteryReport is the parsed "dumpsys battery" state plus the head of the
// battery history since the last charge.
type BatteryReport struct {
	Level       int     `json:"level"`
	Scale       int     `json:"scale"`
	Status      string  `json:"status"`
	Health      string  `json:"health"`
	PluggedInto string  `json:"pluggedInto,omitempty"`
	Temperature float64 `json:"temperatureC"`
	VoltageMV   int     `json:"voltageMv"`
	Technology  string  `json:"technology,omitempty"`

	Raw     string        `json:"raw"`
	History BoundedOutput `json:"history"`
}

// AppManifest is the package information the package manager reports for
// an installed app.
type AppManifest struct {
	Package      string   `json:"package"`
	VersionCode  string   `json:"versionCode,omitempty"`
	VersionName  string   `json:"versionName,omitempty"`
	MinSDK       string   `json:"minSdk,omitempty"`
	TargetSDK    string   `json:"targetSdk,omitempty"`
	CodePath     string   `json:"codePath,omitempty"`
	DataDir      string   `json:"dataDir,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	CPUABI       string   `json:"cpuAbi,omitempty"`
	FirstInstall string   `json:"firstInstall,omitempty"`
	LastUpdate   string   `json:"lastUpdate,omitempty"`
	Flags        []string `json:"flags,omitempty"`

	DeclaredPermissions  []string `json:"declaredPermissions"`
	RequestedPermissions []string `json:"requestedPermissions"`

	Activities []string `json:"activities"`
	Services   []string `json:"services"`
	Receivers  []string `json:"receivers"`
	Providers  []string `json:"providers"`
}
