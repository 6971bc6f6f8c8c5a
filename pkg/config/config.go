// Package config loads Droidlink settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "DROIDLINK_"

// Config is the root configuration structure.
type Config struct {
	ADB      ADBConfig      `yaml:"adb"`
	Executor ExecutorConfig `yaml:"executor"`
	Session  SessionConfig  `yaml:"session"`
	Output   OutputConfig   `yaml:"output"`
	Journal  JournalConfig  `yaml:"journal"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ADBConfig locates the adb binary and the key pair used for authentication.
// Timeouts are in seconds.
type ADBConfig struct {
	Path              string  `yaml:"path"`
	KeyPath           string  `yaml:"key_path"`
	ConnectionTimeout float64 `yaml:"connection_timeout"`
	AuthTimeout       float64 `yaml:"auth_timeout"`
}

// ExecutorConfig sizes the worker pool that runs blocking device calls.
type ExecutorConfig struct {
	Workers        int     `yaml:"workers"`
	DefaultTimeout float64 `yaml:"default_timeout"`
}

// SessionConfig controls the session registry.
type SessionConfig struct {
	// MonitorInterval is the liveness poll period in seconds; 0 disables polling.
	MonitorInterval float64 `yaml:"monitor_interval"`
	ConnectRate     float64 `yaml:"connect_rate"`
	ConnectBurst    int     `yaml:"connect_burst"`
	ReconnectKnown  bool    `yaml:"reconnect_known"`
	DataDir         string  `yaml:"data_dir"`

	// PinnedDevice is reconnected before any other known device.
	PinnedDevice string `yaml:"pinned_device"`
}

// OutputConfig holds the default caps applied to command and log output.
type OutputConfig struct {
	DefaultMaxLines        int `yaml:"default_max_lines"`
	DefaultMaxSize         int `yaml:"default_max_size"`
	LargeOutputLineCap     int `yaml:"large_output_line_cap"`
	LogcatSummaryThreshold int `yaml:"logcat_summary_threshold"`
}

// JournalConfig enables the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// RetentionDays prunes older events at startup; 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig enables publishing journal events to a broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// ServerConfig selects the MCP transport.
type ServerConfig struct {
	Transport string `yaml:"transport"` // "stdio" or "sse"
	Address   string `yaml:"address"`
	BaseURL   string `yaml:"base_url"`

	// ConfirmDestructive asks the client to confirm reboot, install,
	// uninstall, clear and delete through MCP elicitation.
	ConfirmDestructive bool `yaml:"confirm_destructive"`
}

// LoggingConfig mirrors logging.LogConfig in YAML form.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       bool   `yaml:"file"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and DROIDLINK_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment variables from path. Missing files are ignored.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Default returns a Config with the built-in defaults. Paths that depend on
// the user's home directory are filled in by Load.
func Default() *Config {
	return &Config{
		ADB: ADBConfig{
			Path:              "adb",
			ConnectionTimeout: 10,
			AuthTimeout:       1,
		},
		Executor: ExecutorConfig{
			Workers:        8,
			DefaultTimeout: 30,
		},
		Session: SessionConfig{
			MonitorInterval: 5,
			ConnectRate:     2,
			ConnectBurst:    4,
		},
		Output: OutputConfig{
			DefaultMaxLines:        1000,
			DefaultMaxSize:         100000,
			LargeOutputLineCap:     500,
			LogcatSummaryThreshold: 50000,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "droidlink",
			TopicPrefix: "droidlink",
			QoS:         1,
		},
		Server: ServerConfig{
			Transport: "stdio",
			Address:   "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
// Variables follow the pattern DROIDLINK_SECTION_KEY.
func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	var errs []string
	setInt := func(key string, dst *int) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	// ADB
	setString("ADB_PATH", &cfg.ADB.Path)
	setString("ADB_KEY_PATH", &cfg.ADB.KeyPath)

	// Executor
	setInt("EXECUTOR_WORKERS", &cfg.Executor.Workers)

	// Session
	setString("SESSION_DATA_DIR", &cfg.Session.DataDir)
	setBool("SESSION_RECONNECT_KNOWN", &cfg.Session.ReconnectKnown)
	setString("SESSION_PINNED_DEVICE", &cfg.Session.PinnedDevice)

	// Journal
	setBool("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	setString("JOURNAL_PATH", &cfg.Journal.Path)
	setInt("JOURNAL_RETENTION_DAYS", &cfg.Journal.RetentionDays)

	// MQTT
	setBool("MQTT_ENABLED", &cfg.MQTT.Enabled)
	setString("MQTT_HOST", &cfg.MQTT.Host)
	setInt("MQTT_PORT", &cfg.MQTT.Port)
	setString("MQTT_USERNAME", &cfg.MQTT.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Password)

	// Server
	setString("SERVER_TRANSPORT", &cfg.Server.Transport)
	setString("SERVER_ADDRESS", &cfg.Server.Address)
	setBool("SERVER_CONFIRM_DESTRUCTIVE", &cfg.Server.ConfirmDestructive)

	// Logging
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_FILE_PATH", &cfg.Logging.FilePath)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// resolvePaths fills in home-relative defaults.
func (c *Config) resolvePaths() {
	home, _ := os.UserHomeDir()

	if c.ADB.KeyPath == "" && home != "" {
		c.ADB.KeyPath = filepath.Join(home, ".android", "adbkey")
	}
	if c.Session.DataDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.Session.DataDir = filepath.Join(dir, "Droidlink")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Session.DataDir, "journal.db")
	}
	if c.Logging.File && c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Session.DataDir, "logs", "droidlink.log")
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.ADB.Path == "" {
		errs = append(errs, "adb.path is required")
	}
	if c.ADB.KeyPath == "" {
		errs = append(errs, "adb.key_path is required")
	}
	if c.ADB.ConnectionTimeout <= 0 {
		errs = append(errs, "adb.connection_timeout must be positive")
	}
	if c.ADB.AuthTimeout <= 0 {
		errs = append(errs, "adb.auth_timeout must be positive")
	}

	if c.Executor.Workers < 1 {
		errs = append(errs, "executor.workers must be at least 1")
	}
	if c.Executor.DefaultTimeout <= 0 {
		errs = append(errs, "executor.default_timeout must be positive")
	}

	if c.Session.MonitorInterval < 0 {
		errs = append(errs, "session.monitor_interval cannot be negative")
	}
	if c.Session.ConnectRate < 0 {
		errs = append(errs, "session.connect_rate cannot be negative")
	}

	errs = append(errs, c.Output.validate()...)

	if c.Journal.RetentionDays < 0 {
		errs = append(errs, "journal.retention_days cannot be negative")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			errs = append(errs, "mqtt.host is required when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			errs = append(errs, "mqtt.port must be between 1 and 65535")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	switch c.Server.Transport {
	case "stdio":
	case "sse":
		if c.Server.Address == "" {
			errs = append(errs, "server.address is required for the sse transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be stdio or sse, got %q", c.Server.Transport))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (o OutputConfig) validate() []string {
	var errs []string
	if o.DefaultMaxLines == 0 {
		errs = append(errs, "output.default_max_lines cannot be zero")
	}
	if o.DefaultMaxSize < 1 {
		errs = append(errs, "output.default_max_size must be positive")
	}
	if o.LargeOutputLineCap < 1 {
		errs = append(errs, "output.large_output_line_cap must be positive")
	}
	if o.LogcatSummaryThreshold < 1 {
		errs = append(errs, "output.logcat_summary_threshold must be positive")
	}
	return errs
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ConnectionTimeout returns adb.connection_timeout as a Duration.
func (c *Config) ConnectionTimeout() time.Duration { return seconds(c.ADB.ConnectionTimeout) }

// AuthTimeout returns adb.auth_timeout as a Duration.
func (c *Config) AuthTimeout() time.Duration { return seconds(c.ADB.AuthTimeout) }

// DefaultTimeout returns executor.default_timeout as a Duration.
func (c *Config) DefaultTimeout() time.Duration { return seconds(c.Executor.DefaultTimeout) }

// MonitorInterval returns session.monitor_interval as a Duration.
func (c *Config) MonitorInterval() time.Duration { return seconds(c.Session.MonitorInterval) }
