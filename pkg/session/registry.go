// Package session keeps the table of live device connections.
//
// The registry owns every transport handle it holds. Handles leave the table
// through Disconnect or Remove, both of which close the handle first and drop
// the entry even when closing fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"Droidlink/pkg/adb"
	"Droidlink/pkg/cache"
	"Droidlink/pkg/executor"
	"Droidlink/pkg/journal"
	"Droidlink/pkg/logging"
	"Droidlink/pkg/types"
)

// Session is one live device connection. Everything except the liveness
// timestamp is fixed at connect time.
type Session struct {
	Serial      string
	Kind        types.ConnectionKind
	Transport   adb.Transport
	ConnectedAt time.Time

	lastSeen atomic.Int64
}

// LastSeenAvailable is the last time the transport was observed available
func (s *Session) LastSeenAvailable() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) markSeen() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// KnownDevices remembers network endpoints across restarts.
type KnownDevices interface {
	Touch(serial string, t time.Time)
	Forget(serial string)
	Known() []cache.KnownDevice
}

// Options configure a Registry. Dialer, Executor and Keys are required.
type Options struct {
	Dialer   adb.Dialer
	Executor *executor.Executor
	Keys     *adb.KeyPair

	// ConnectTimeout bounds a handshake and each best-effort property read.
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration

	// ConnectRate limits connect attempts per second; 0 disables throttling.
	ConnectRate  float64
	ConnectBurst int

	Known   KnownDevices
	Journal journal.Recorder
}

// Registry maps serials to live sessions.
type Registry struct {
	dialer         adb.Dialer
	exec           *executor.Executor
	keys           *adb.KeyPair
	connectTimeout time.Duration
	authTimeout    time.Duration

	limiter  *rate.Limiter
	connects singleflight.Group
	known    KnownDevices
	journal  journal.Recorder

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		dialer:         opts.Dialer,
		exec:           opts.Executor,
		keys:           opts.Keys,
		connectTimeout: opts.ConnectTimeout,
		authTimeout:    opts.AuthTimeout,
		known:          opts.Known,
		journal:        opts.Journal,
		sessions:       make(map[string]*Session),
	}
	if r.connectTimeout <= 0 {
		r.connectTimeout = 10 * time.Second
	}
	if r.authTimeout <= 0 {
		r.authTimeout = time.Second
	}
	if r.journal == nil {
		r.journal = journal.Nop{}
	}
	if opts.ConnectRate > 0 {
		burst := opts.ConnectBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), burst)
	}
	return r
}

// ========================================
// Connect / Disconnect
// ========================================

// ConnectTCP connects to host:port and returns the canonical serial. An
// already registered and available serial is returned unchanged.
func (r *Registry) ConnectTCP(ctx context.Context, host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: host cannot be empty", types.ErrInvalidArgument)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", types.ErrInvalidArgument, port)
	}
	serial := net.JoinHostPort(host, strconv.Itoa(port))

	err := r.connect(ctx, serial, func() adb.Transport { return r.dialer.TCP(host, port) })
	if err != nil {
		return "", err
	}
	return serial, nil
}

// ConnectUSB connects to the first attached USB device. found is false when
// nothing is attached, which is not an error.
func (r *Registry) ConnectUSB(ctx context.Context) (serial string, found bool, err error) {
	t, err := executor.Run(ctx, r.exec, "usb discovery", r.connectTimeout, r.dialer.FirstUSB)
	if errors.Is(err, adb.ErrNoUSBDevice) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.ConnectionError("usb", err)
	}

	serial = t.Serial()
	if err := r.connect(ctx, serial, func() adb.Transport { return t }); err != nil {
		return "", false, err
	}
	return serial, true, nil
}

// connect runs the handshake for serial unless a live session exists.
// Concurrent connects to one serial share a single handshake.
func (r *Registry) connect(ctx context.Context, serial string, dial func() adb.Transport) error {
	if s := r.get(serial); s != nil && s.Transport.Available() {
		s.markSeen()
		return nil
	}

	// The shared handshake must not die with whichever caller started it.
	// Each step is bounded by connectTimeout; callers stop waiting on their own ctx.
	detached := context.WithoutCancel(ctx)
	ch := r.connects.DoChan(serial, func() (interface{}, error) {
		// re-check: a shared call may have finished just before we joined
		if s := r.get(serial); s != nil && s.Transport.Available() {
			return nil, nil
		}
		waitCtx, cancel := context.WithTimeout(detached, r.connectTimeout)
		err := r.wait(waitCtx, serial)
		cancel()
		if err != nil {
			return nil, err
		}
		return nil, r.handshake(detached, serial, dial())
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) handshake(ctx context.Context, serial string, t adb.Transport) error {
	timer := logging.StartOperation("session", "connect").AddDetail("serial", serial)
	started := time.Now()

	// A stale entry's handle is dead; close it before a new handshake reuses the
	// server-side connection. The entry itself stays until the outcome is known.
	if stale := r.get(serial); stale != nil {
		_ = r.closeHandle(ctx, stale)
	}

	err := r.exec.Do(ctx, "connect", r.connectTimeout, func(c context.Context) error {
		return t.Connect(c, r.keys, r.authTimeout)
	})
	r.journal.Record(journal.NewEvent(serial, journal.KindConnect, started, err, map[string]interface{}{"kind": string(t.Kind())}))
	if err != nil {
		timer.EndWithError(err)
		return types.ConnectionError(serial, err)
	}

	s := &Session{
		Serial:      serial,
		Kind:        t.Kind(),
		Transport:   t,
		ConnectedAt: time.Now(),
	}
	s.markSeen()

	r.mu.Lock()
	r.sessions[serial] = s
	r.mu.Unlock()

	if r.known != nil && s.Kind == types.ConnectionTCP {
		r.known.Touch(serial, s.ConnectedAt)
	}
	timer.End()
	logging.Info("session").Str("serial", serial).Str("kind", string(s.Kind)).Msg("Device connected")
	return nil
}

func (r *Registry) wait(ctx context.Context, serial string) error {
	if r.limiter == nil {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return types.ConnectionError(serial, fmt.Errorf("connect throttled: %w", err))
	}
	return nil
}

// Disconnect closes and removes serial. It returns false when serial is not
// registered. A close failure is logged; the entry is removed regardless.
func (r *Registry) Disconnect(ctx context.Context, serial string) bool {
	started := time.Now()
	s := r.take(serial)
	if s == nil {
		return false
	}
	err := r.closeHandle(ctx, s)
	r.journal.Record(journal.NewEvent(serial, journal.KindDisconnect, started, err, nil))
	if r.known != nil {
		r.known.Forget(serial)
	}
	logging.Info("session").Str("serial", serial).Msg("Device disconnected")
	return true
}

// Remove drops serial after a reboot or lost connection. Unlike Disconnect the
// device stays in the known-device cache.
func (r *Registry) Remove(ctx context.Context, serial, reason string) bool {
	s := r.take(serial)
	if s == nil {
		return false
	}
	r.dropped(ctx, s, reason)
	return true
}

// Evict removes s only if it is still the session registered for its serial,
// so a handle that was replaced by a reconnect is left alone.
func (r *Registry) Evict(ctx context.Context, s *Session, reason string) bool {
	r.mu.Lock()
	if cur, ok := r.sessions[s.Serial]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.Serial)
	r.mu.Unlock()

	r.dropped(ctx, s, reason)
	return true
}

func (r *Registry) dropped(ctx context.Context, s *Session, reason string) {
	_ = r.closeHandle(ctx, s)
	r.journal.Record(journal.NewEvent(s.Serial, journal.KindLost, time.Now(), nil, map[string]interface{}{"reason": reason}))
	logging.Info("session").Str("serial", s.Serial).Str("reason", reason).Msg("Session removed")
}

// DisconnectAll closes every session. Used at shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for serial, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, serial)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = r.closeHandle(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (r *Registry) take(serial string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[serial]
	if !ok {
		return nil
	}
	delete(r.sessions, serial)
	return s
}

// closeHandle closes s through the executor. Failures are logged and returned
// for the journal only.
func (r *Registry) closeHandle(ctx context.Context, s *Session) error {
	err := r.exec.Do(ctx, "close", r.connectTimeout, s.Transport.Close)
	if err != nil {
		logging.Warn("session").Err(err).Str("serial", s.Serial).Msg("Failed to close transport")
	}
	return err
}

// ========================================
// Lookup / List
// ========================================

func (r *Registry) get(serial string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[serial]
}

// Lookup returns the live session for serial or a DeviceNotFound error when
// it is absent or its transport reports unavailable.
func (r *Registry) Lookup(serial string) (*Session, error) {
	s := r.get(serial)
	if s == nil || !s.Transport.Available() {
		return nil, types.DeviceNotFound(serial)
	}
	s.markSeen()
	return s, nil
}

// Len returns the number of entries, available or not
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Serials returns every registered serial, including unavailable ones.
func (r *Registry) Serials() []string {
	r.mu.RLock()
	serials := make([]string, 0, len(r.sessions))
	for serial := range r.sessions {
		serials = append(serials, serial)
	}
	r.mu.RUnlock()
	sort.Strings(serials)
	return serials
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
		}
		return sessions[i].Serial < sessions[j].Serial
	})
	return sessions
}

// List returns the available sessions ordered by connect time. Unavailable
// sessions are skipped but stay registered. Model and Android version are
// filled in when the device answers.
func (r *Registry) List(ctx context.Context) []types.DeviceSummary {
	var live []*Session
	for _, s := range r.snapshot() {
		if s.Transport.Available() {
			s.markSeen()
			live = append(live, s)
		}
	}

	summaries := make([]types.DeviceSummary, len(live))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.exec.Workers())
	for i, s := range live {
		summaries[i] = types.DeviceSummary{
			Serial:      s.Serial,
			Kind:        s.Kind,
			Available:   true,
			ConnectedAt: s.ConnectedAt,
		}
		g.Go(func() error {
			if model, ok := r.readProperty(gctx, s, "ro.product.model"); ok {
				summaries[i].Model = model
			}
			if version, ok := r.readProperty(gctx, s, "ro.build.version.release"); ok {
				summaries[i].AndroidVersion = version
			}
			return nil
		})
	}
	_ = g.Wait()
	return summaries
}

// ========================================
// Properties
// ========================================

var (
	propNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)
	propLinePattern = regexp.MustCompile(`^\[(.+?)\]: \[(.*)\]$`)
)

// GetProperty reads one system property. ok is false when the device is gone,
// the property does not exist or the read fails.
func (r *Registry) GetProperty(ctx context.Context, serial, name string) (string, bool) {
	s, err := r.Lookup(serial)
	if err != nil {
		return "", false
	}
	return r.readProperty(ctx, s, name)
}

func (r *Registry) readProperty(ctx context.Context, s *Session, name string) (string, bool) {
	if !propNamePattern.MatchString(name) {
		return "", false
	}
	out, err := executor.Run(ctx, r.exec, "getprop", r.connectTimeout, func(c context.Context) (string, error) {
		return s.Transport.Shell(c, "getprop "+name)
	})
	if err != nil {
		logging.Debug("session").Err(err).Str("serial", s.Serial).Str("prop", name).Msg("Property read failed")
		return "", false
	}
	value := strings.TrimSpace(out)
	if value == "" {
		return "", false
	}
	return value, true
}

// GetAllProperties reads every system property. Lines that do not parse are
// skipped. ok is false when nothing could be read.
func (r *Registry) GetAllProperties(ctx context.Context, serial string) (map[string]string, bool) {
	s, err := r.Lookup(serial)
	if err != nil {
		return nil, false
	}
	out, err := executor.Run(ctx, r.exec, "getprop", r.connectTimeout, func(c context.Context) (string, error) {
		return s.Transport.Shell(c, "getprop")
	})
	if err != nil {
		logging.Debug("session").Err(err).Str("serial", serial).Msg("Property dump failed")
		return nil, false
	}
	props := ParseProperties(out)
	return props, len(props) > 0
}

// ParseProperties parses "getprop" output of the form "[name]: [value]".
func ParseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		m := propLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		props[m[1]] = m[2]
	}
	return props
}
