// Package logging wires the process-wide zerolog logger: console output on
// stderr, an optional rotating file, and per-module helpers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger
// ========================================

// Logger is the global logger instance
var Logger zerolog.Logger

var (
	persistentMu     sync.Mutex
	persistentLogger *PersistentLogger
)

// LogLevel is the minimum severity written
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogConfig controls where and how much is logged
type LogConfig struct {
	Level      LogLevel
	Console    bool   // write to stderr
	File       bool   // write to FilePath
	FilePath   string // log file path
	MaxSizeMB  int    // rotate when the file grows past this size
	MaxAgeDays int    // rotated files older than this are removed
	MaxBackups int    // keep at most this many rotated files
	Compress   bool   // gzip rotated files
	NoColor    bool
}

// DefaultLogConfig returns the console-only configuration used before config is loaded
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      LevelInfo,
		Console:    true,
		File:       false,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// ========================================
// PersistentLogger - rotating log file
// ========================================

// PersistentLogger handles log file rotation and cleanup
type PersistentLogger struct {
	mu          sync.Mutex
	config      LogConfig
	currentFile *os.File
	currentSize int64
	logDir      string
	prefix      string
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewPersistentLogger opens config.FilePath for appending and starts the cleanup loop
func NewPersistentLogger(config LogConfig) (*PersistentLogger, error) {
	logDir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	base := filepath.Base(config.FilePath)
	pl := &PersistentLogger{
		config: config,
		logDir: logDir,
		prefix: strings.TrimSuffix(base, filepath.Ext(base)),
		stopCh: make(chan struct{}),
	}

	if err := pl.openFile(); err != nil {
		return nil, err
	}

	go pl.cleanupRoutine()

	return pl, nil
}

// Write implements io.Writer
func (pl *PersistentLogger) Write(p []byte) (n int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentFile == nil {
		return 0, os.ErrClosed
	}

	if pl.config.MaxSizeMB > 0 && pl.currentSize+int64(len(p)) > int64(pl.config.MaxSizeMB)*1024*1024 {
		if err := pl.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = pl.currentFile.Write(p)
	pl.currentSize += int64(n)
	return n, err
}

func (pl *PersistentLogger) openFile() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	pl.currentFile = file
	pl.currentSize = info.Size()
	return nil
}

func (pl *PersistentLogger) rotatedGlob() string {
	return filepath.Join(pl.logDir, pl.prefix+"_*.log*")
}

func (pl *PersistentLogger) rotate() error {
	if pl.currentFile != nil {
		pl.currentFile.Close()
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	rotatedPath := filepath.Join(pl.logDir, fmt.Sprintf("%s_%s.log", pl.prefix, timestamp))

	if err := os.Rename(pl.config.FilePath, rotatedPath); err != nil {
		// keep logging into the same file
		return pl.openFile()
	}

	if pl.config.Compress {
		go compressFile(rotatedPath)
	}

	return pl.openFile()
}

// compressFile replaces path with path.gz
func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gz, src)
	closeErr := gz.Close()
	dst.Close()

	if copyErr != nil || closeErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

func (pl *PersistentLogger) cleanupRoutine() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	pl.cleanup()

	for {
		select {
		case <-ticker.C:
			pl.cleanup()
		case <-pl.stopCh:
			return
		}
	}
}

// cleanup removes rotated files past MaxAgeDays or beyond MaxBackups (newest kept)
func (pl *PersistentLogger) cleanup() {
	files, err := filepath.Glob(pl.rotatedGlob())
	if err != nil {
		return
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var fileInfos []fileInfo

	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		fileInfos = append(fileInfos, fileInfo{path: f, modTime: info.ModTime()})
	}

	sort.Slice(fileInfos, func(i, j int) bool {
		return fileInfos[i].modTime.After(fileInfos[j].modTime)
	})

	now := time.Now()
	for i, fi := range fileInfos {
		if pl.config.MaxAgeDays > 0 && now.Sub(fi.modTime) > time.Duration(pl.config.MaxAgeDays)*24*time.Hour {
			os.Remove(fi.path)
			continue
		}
		if pl.config.MaxBackups > 0 && i >= pl.config.MaxBackups {
			os.Remove(fi.path)
		}
	}
}

// Close stops the cleanup loop and closes the current file
func (pl *PersistentLogger) Close() error {
	pl.closeOnce.Do(func() { close(pl.stopCh) })

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentFile != nil {
		err := pl.currentFile.Close()
		pl.currentFile = nil
		return err
	}
	return nil
}

// ========================================
// Initialisation
// ========================================

// Init (re)builds the global Logger from config.
// Console output goes to stderr because stdout carries the MCP stdio stream.
func Init(config LogConfig) error {
	var writers []io.Writer

	if config.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
			NoColor:    config.NoColor,
		})
	}

	var pl *PersistentLogger
	if config.File && config.FilePath != "" {
		var err error
		pl, err = NewPersistentLogger(config)
		if err != nil {
			return err
		}
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	persistentMu.Lock()
	if persistentLogger != nil {
		persistentLogger.Close()
	}
	persistentLogger = pl
	persistentMu.Unlock()

	zerolog.SetGlobalLevel(config.Level.zerolog())
	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Logger()

	return nil
}

// SetLevel changes the minimum level without rebuilding the writers
func SetLevel(level LogLevel) {
	zerolog.SetGlobalLevel(level.zerolog())
}

// Close flushes and closes the log file, if any
func Close() {
	persistentMu.Lock()
	defer persistentMu.Unlock()
	if persistentLogger != nil {
		persistentLogger.Close()
		persistentLogger = nil
	}
}

// ========================================
// Module helpers
// ========================================

// Debug starts a debug event tagged with module
func Debug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

// Info starts an info event tagged with module
func Info(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

// Warn starts a warn event tagged with module
func Warn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

// Error starts an error event tagged with module
func Error(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

// Panic records a panic recovered while running op
func Panic(module, op string, recovered interface{}, stack string) {
	Logger.Error().
		Str("module", module).
		Str("category", "panic").
		Str("op", op).
		Interface("recovered", recovered).
		Str("stack", stack).
		Msg("Panic recovered")
}

func init() {
	_ = Init(DefaultLogConfig())
}
