// Package cache persists small pieces of state between runs.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"Droidlink/pkg/logging"
)

// KnownDevice is a network endpoint that was connected successfully before
type KnownDevice struct {
	Serial     string `json:"serial"`
	LastActive int64  `json:"lastActive"`
}

// Settings represents persistent settings
type Settings struct {
	LastActive   map[string]int64 `json:"lastActive"`
	PinnedSerial string           `json:"pinnedSerial,omitempty"`
}

// Service manages settings persistence
type Service struct {
	settingsPath string

	// Settings state (kept in sync with file)
	lastActive   map[string]int64
	lastActiveMu sync.RWMutex

	pinnedSerial string
	pinnedMu     sync.RWMutex

	saveMu sync.Mutex
}

// Config for creating a new Service
type Config struct {
	ConfigDir string
}

// New creates a Service rooted at cfg.ConfigDir
func New(cfg Config) (*Service, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			configDir = os.TempDir()
		}
		configDir = filepath.Join(configDir, "Droidlink")
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, err
	}

	s := &Service{
		settingsPath: filepath.Join(configDir, "settings.json"),
		lastActive:   make(map[string]int64),
	}
	s.loadSettings()
	return s, nil
}

// ========================================
// Known devices
// ========================================

// GetLastActive returns the last active timestamp for a device
func (s *Service) GetLastActive(serial string) int64 {
	s.lastActiveMu.RLock()
	defer s.lastActiveMu.RUnlock()
	return s.lastActive[serial]
}

// SetLastActive updates the last active timestamp for a device
func (s *Service) SetLastActive(serial string, timestamp int64) {
	s.lastActiveMu.Lock()
	s.lastActive[serial] = timestamp
	s.lastActiveMu.Unlock()
}

// Touch records serial as active at t and persists the change.
func (s *Service) Touch(serial string, t time.Time) {
	s.SetLastActive(serial, t.Unix())
	if err := s.SaveSettings(); err != nil {
		logging.Warn("cache").Err(err).Str("serial", serial).Msg("Failed to save settings")
	}
}

// Forget drops serial and persists the change.
func (s *Service) Forget(serial string) {
	s.lastActiveMu.Lock()
	_, ok := s.lastActive[serial]
	delete(s.lastActive, serial)
	s.lastActiveMu.Unlock()

	s.pinnedMu.Lock()
	if s.pinnedSerial == serial {
		s.pinnedSerial = ""
		ok = true
	}
	s.pinnedMu.Unlock()

	if !ok {
		return
	}
	if err := s.SaveSettings(); err != nil {
		logging.Warn("cache").Err(err).Str("serial", serial).Msg("Failed to save settings")
	}
}

// Known returns the remembered devices, most recently active first. The
// pinned device, if any, always comes first, even if it never connected.
func (s *Service) Known() []KnownDevice {
	pinned := s.GetPinnedSerial()

	s.lastActiveMu.RLock()
	devices := make([]KnownDevice, 0, len(s.lastActive))
	for serial, ts := range s.lastActive {
		devices = append(devices, KnownDevice{Serial: serial, LastActive: ts})
	}
	_, seen := s.lastActive[pinned]
	s.lastActiveMu.RUnlock()

	if pinned != "" && !seen {
		devices = append(devices, KnownDevice{Serial: pinned})
	}
	sort.Slice(devices, func(i, j int) bool {
		if (devices[i].Serial == pinned) != (devices[j].Serial == pinned) {
			return devices[i].Serial == pinned
		}
		if devices[i].LastActive != devices[j].LastActive {
			return devices[i].LastActive > devices[j].LastActive
		}
		return devices[i].Serial < devices[j].Serial
	})
	return devices
}

// GetPinnedSerial returns the pinned device serial
func (s *Service) GetPinnedSerial() string {
	s.pinnedMu.RLock()
	defer s.pinnedMu.RUnlock()
	return s.pinnedSerial
}

// SetPinnedSerial sets the pinned device serial
func (s *Service) SetPinnedSerial(serial string) {
	s.pinnedMu.Lock()
	s.pinnedSerial = serial
	s.pinnedMu.Unlock()
}

// SaveSettings persists settings to disk
func (s *Service) SaveSettings() error {
	s.lastActiveMu.RLock()
	lastActive := make(map[string]int64, len(s.lastActive))
	for k, v := range s.lastActive {
		lastActive[k] = v
	}
	s.lastActiveMu.RUnlock()

	settings := Settings{
		LastActive:   lastActive,
		PinnedSerial: s.GetPinnedSerial(),
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	tmp := s.settingsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.settingsPath)
}

func (s *Service) loadSettings() {
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		return
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		logging.Warn("cache").Err(err).Str("path", s.settingsPath).Msg("Ignoring unreadable settings")
		return
	}

	s.lastActiveMu.Lock()
	if settings.LastActive != nil {
		s.lastActive = settings.LastActive
	}
	s.lastActiveMu.Unlock()

	s.pinnedMu.Lock()
	s.pinnedSerial = settings.PinnedSerial
	s.pinnedMu.Unlock()
}

// Close saves settings before shutdown
func (s *Service) Close() error {
	if err := s.SaveSettings(); err != nil {
		logging.Error("cache").Err(err).Msg("Error saving settings on close")
		return err
	}
	return nil
}
