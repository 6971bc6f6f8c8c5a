// Package device is the per-device operation surface.
//
// Every operation resolves its serial against the session registry on each
// call, runs transport calls through the executor and serialises with other
// operations on the same serial.
package device

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"Droidlink/pkg/config"
	"Droidlink/pkg/executor"
	"Droidlink/pkg/journal"
	"Droidlink/pkg/logging"
	"Droidlink/pkg/session"
	"Droidlink/pkg/types"
)

// Limits are the output caps applied by the facade. They can be swapped at
// runtime with SetLimits.
type Limits struct {
	DefaultMaxLines        int
	DefaultMaxSize         int
	LargeOutputLineCap     int
	LogcatSummaryThreshold int
}

// LimitsFrom converts the output config section
func LimitsFrom(cfg config.OutputConfig) Limits {
	return Limits{
		DefaultMaxLines:        cfg.DefaultMaxLines,
		DefaultMaxSize:         cfg.DefaultMaxSize,
		LargeOutputLineCap:     cfg.LargeOutputLineCap,
		LogcatSummaryThreshold: cfg.LogcatSummaryThreshold,
	}
}

// DefaultLimits returns the built-in output caps
func DefaultLimits() Limits {
	return LimitsFrom(config.Default().Output)
}

// Options configure a Facade. Registry and Executor are required.
type Options struct {
	Registry *session.Registry
	Executor *executor.Executor
	Journal  journal.Recorder
	Limits   Limits

	// CommandTimeout bounds shell commands; TransferTimeout bounds push,
	// pull and install. Zero uses the executor default.
	CommandTimeout  time.Duration
	TransferTimeout time.Duration

	// TempDir holds local scratch files; defaults to os.TempDir().
	TempDir string
}

// Facade implements the device operations.
type Facade struct {
	reg             *session.Registry
	exec            *executor.Executor
	journal         journal.Recorder
	commandTimeout  time.Duration
	transferTimeout time.Duration
	tempDir         string

	limits atomic.Pointer[Limits]

	locksMu sync.Mutex
	locks   map[string]*serialLock

	propsMu sync.Mutex
	props   map[string]*propCache
}

// New creates a Facade.
func New(opts Options) *Facade {
	f := &Facade{
		reg:             opts.Registry,
		exec:            opts.Executor,
		journal:         opts.Journal,
		commandTimeout:  opts.CommandTimeout,
		transferTimeout: opts.TransferTimeout,
		tempDir:         opts.TempDir,
		locks:           make(map[string]*serialLock),
		props:           make(map[string]*propCache),
	}
	if f.journal == nil {
		f.journal = journal.Nop{}
	}
	if f.tempDir == "" {
		f.tempDir = os.TempDir()
	}
	limits := opts.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	f.limits.Store(&limits)
	return f
}

// Limits returns the output caps currently in force
func (f *Facade) Limits() Limits { return *f.limits.Load() }

// SetLimits replaces the output caps. In-flight operations keep the caps
// they started with.
func (f *Facade) SetLimits(l Limits) {
	f.limits.Store(&l)
	logging.Info("device").
		Int("max_lines", l.DefaultMaxLines).
		Int("max_size", l.DefaultMaxSize).
		Msg("Output limits updated")
}

// ========================================
// Session resolution and locking
// ========================================

// serialLock serialises operations on one serial. refs counts holders and
// waiters; the entry is dropped from the map when it reaches zero.
type serialLock struct {
	sem  *semaphore.Weighted
	refs int
}

func (f *Facade) lockFor(serial string) *serialLock {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	l, ok := f.locks[serial]
	if !ok {
		l = &serialLock{sem: semaphore.NewWeighted(1)}
		f.locks[serial] = l
	}
	l.refs++
	return l
}

func (f *Facade) unref(serial string, l *serialLock) {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(f.locks, serial)
	}
}

// acquire resolves serial to its live session and takes the per-serial lock.
// The session is looked up again after the lock is held because it may have
// gone away while waiting.
func (f *Facade) acquire(ctx context.Context, serial string) (*session.Session, func(), error) {
	if err := types.ValidateSerial(serial); err != nil {
		return nil, nil, err
	}
	if _, err := f.reg.Lookup(serial); err != nil {
		return nil, nil, err
	}
	l := f.lockFor(serial)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		f.unref(serial, l)
		return nil, nil, err
	}
	release := func() {
		l.sem.Release(1)
		f.unref(serial, l)
	}
	s, err := f.reg.Lookup(serial)
	if err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}

// shell runs command on s through the executor. A failure that left the
// transport unavailable evicts the session.
func (f *Facade) shell(ctx context.Context, s *session.Session, op, command string) (string, error) {
	return f.shellTimeout(ctx, s, op, command, f.commandTimeout)
}

func (f *Facade) shellTimeout(ctx context.Context, s *session.Session, op, command string, timeout time.Duration) (string, error) {
	out, err := executor.Run(ctx, f.exec, op, timeout, func(c context.Context) (string, error) {
		return s.Transport.Shell(c, command)
	})
	if err != nil {
		f.checkLost(ctx, s)
		return out, f.fail(op, s.Serial, err)
	}
	return out, nil
}

func (f *Facade) checkLost(ctx context.Context, s *session.Session) {
	if s.Transport.Available() {
		return
	}
	if f.reg.Evict(context.WithoutCancel(ctx), s, "transport lost") {
		f.invalidateProps(s.Serial)
	}
}

// fail types err as a command failure unless it already carries a kind.
func (f *Facade) fail(op, serial string, err error) error {
	if err == nil {
		return nil
	}
	if types.KindOf(err) != nil || errors.Is(err, context.Canceled) {
		return err
	}
	return types.CommandFailed(op, serial, err)
}

func (f *Facade) record(serial string, kind journal.Kind, started time.Time, err error, details map[string]interface{}) {
	f.journal.Record(journal.NewEvent(serial, kind, started, err, details))
}

// removeRemote deletes a scratch file on the device. It runs even when ctx is
// already done; a failure is only logged.
func (f *Facade) removeRemote(ctx context.Context, s *session.Session, remote string) {
	if _, err := f.shell(context.WithoutCancel(ctx), s, "cleanup", "rm -f "+shellQuote(remote)); err != nil {
		logging.Debug("device").Err(err).Str("serial", s.Serial).Str("remote", remote).Msg("Remote cleanup failed")
	}
}

// shellQuote wraps s in single quotes for the device shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ========================================
// Registry pass-throughs
// ========================================

// Connect connects to a network device and returns its serial
func (f *Facade) Connect(ctx context.Context, host string, port int) (string, error) {
	return f.reg.ConnectTCP(ctx, host, port)
}

// ConnectUSB connects to the first USB device; found is false when none is attached
func (f *Facade) ConnectUSB(ctx context.Context) (string, bool, error) {
	return f.reg.ConnectUSB(ctx)
}

// Disconnect closes serial; false means it was not connected
func (f *Facade) Disconnect(ctx context.Context, serial string) bool {
	ok := f.reg.Disconnect(ctx, serial)
	if ok {
		f.invalidateProps(serial)
	}
	return ok
}

// List returns the connected devices
func (f *Facade) List(ctx context.Context) []types.DeviceSummary {
	return f.reg.List(ctx)
}
