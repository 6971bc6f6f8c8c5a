package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ConnectionKind tells how a device session was established
type ConnectionKind string

const (
	ConnectionTCP ConnectionKind = "tcp"
	ConnectionUSB ConnectionKind = "usb"
)

// DeviceSummary is one entry of the device list
type DeviceSummary struct {
	Serial         string         `json:"serial"`
	Kind           ConnectionKind `json:"kind"`
	Available      bool           `json:"available"`
	Model          string         `json:"model,omitempty"`
	AndroidVersion string         `json:"androidVersion,omitempty"`
	ConnectedAt    time.Time      `json:"connectedAt"`
}

// DeviceInfo contains detailed device information
type DeviceInfo struct {
	Serial         string            `json:"serial"`
	Model          string            `json:"model"`
	Brand          string            `json:"brand"`
	Manufacturer   string            `json:"manufacturer"`
	AndroidVersion string            `json:"androidVersion"`
	SDK            string            `json:"sdk"`
	ABI            string            `json:"abi"`
	Props          map[string]string `json:"props,omitempty"`
}

// AppPackage represents an installed application
type AppPackage struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Type string `json:"type"` // "system" or "user"
}

// BoundedOutput is command or log text after line and size caps were applied.
// OriginalLines and OriginalBytes describe the text before bounding.
type BoundedOutput struct {
	Text          string `json:"text"`
	Truncated     bool   `json:"truncated"`
	OriginalLines int    `json:"originalLines"`
	OriginalBytes int    `json:"originalBytes"`
}

// RebootMode selects what the device boots into
type RebootMode string

const (
	RebootNormal     RebootMode = "normal"
	RebootRecovery   RebootMode = "recovery"
	RebootBootloader RebootMode = "bootloader"
)

// ParseRebootMode accepts "", "normal", "recovery" and "bootloader" (case-insensitive).
// An empty string means normal.
func ParseRebootMode(s string) (RebootMode, error) {
	switch RebootMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", RebootNormal:
		return RebootNormal, nil
	case RebootRecovery:
		return RebootRecovery, nil
	case RebootBootloader:
		return RebootBootloader, nil
	}
	return "", fmt.Errorf("%w: invalid reboot mode %q (want normal, recovery or bootloader)", ErrInvalidArgument, s)
}

// brackets allow IPv6 network serials such as "[fe80::1]:5555"
var serialPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\[\]\-]+$`)

// ValidateSerial rejects serials that are empty, oversized or could smuggle
// shell syntax into an adb invocation.
func ValidateSerial(serial string) error {
	if serial == "" {
		return fmt.Errorf("%w: serial cannot be empty", ErrInvalidArgument)
	}
	if len(serial) > 256 {
		return fmt.Errorf("%w: serial too long (max 256 characters)", ErrInvalidArgument)
	}
	if !serialPattern.MatchString(serial) {
		return fmt.Errorf("%w: serial %q contains illegal characters", ErrInvalidArgument, serial)
	}
	return nil
}
