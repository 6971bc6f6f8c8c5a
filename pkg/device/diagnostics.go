package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"Droidlink/pkg/journal"
	"Droidlink/pkg/logging"
	"Droidlink/pkg/output"
	"Droidlink/pkg/session"
	"Droidlink/pkg/types"
)

const (
	defaultBugreportTimeout = 5 * time.Minute
	defaultHeapDumpTimeout  = 2 * time.Minute

	anrDir       = "/data/anr"
	tombstoneDir = "/data/tombstones"
	dropboxDir   = "/data/system/dropbox"

	// newest files read per log directory
	recentFiles = 3

	anrTraceLines      = 200
	tombstoneLines     = 30
	dropboxEntryBytes  = 1500
	crashLogcatLines   = 100
	batteryHistoryCap  = 200
	defaultTraceMaxLen = 64 * 1024
)

var fileSafe = strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "")

// captureTarget picks where a capture lands. Without an explicit path a fresh
// directory under tempDir is created. discard removes what a failed capture
// left behind.
func (f *Facade) captureTarget(path, prefix, name string) (local string, discard func(), temporary bool, err error) {
	if path != "" {
		return path, func() { os.Remove(path) }, false, nil
	}
	dir, err := os.MkdirTemp(f.tempDir, prefix)
	if err != nil {
		return "", nil, false, fmt.Errorf("creating scratch directory: %w", err)
	}
	return filepath.Join(dir, name), func() { os.RemoveAll(dir) }, true, nil
}

func localSize(path string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return 0
}

// ========================================
// Bug reports and heap dumps
// ========================================

// CaptureBugreport has the device build a zipped bug report, pulls it and
// deletes the device copy. With opts.Screenshot a PNG of the current screen
// is saved next to the report; a failed screenshot does not fail the call.
func (f *Facade) CaptureBugreport(ctx context.Context, serial string, opts types.BugreportOptions) (*types.CaptureResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultBugreportTimeout
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	local, discard, temporary, err := f.captureTarget(opts.OutputPath, "droidlink-bugreport-", "bugreport-"+fileSafe.Replace(serial)+".zip")
	if err != nil {
		return nil, types.CommandFailed("bugreport", serial, err)
	}

	timer := logging.StartOperation("device", "bugreport").
		AddDetail("serial", serial).
		AddDetail("timeout", timeout.String())
	started := time.Now()

	err = f.bugreport(ctx, s, local, timeout)
	res := &types.CaptureResult{Path: local, Temporary: temporary}
	if err == nil {
		res.Bytes = localSize(local)
		if opts.Screenshot {
			shot := strings.TrimSuffix(local, filepath.Ext(local)) + "-screen.png"
			if _, serr := f.capture(ctx, s, shot); serr != nil {
				os.Remove(shot)
				logging.Warn("device").Err(serr).Str("serial", serial).Msg("Bug report screenshot failed")
			} else {
				res.Screenshot = shot
			}
		}
	} else {
		discard()
	}

	f.record(serial, journal.KindDiagnostic, started, err, map[string]interface{}{
		"type":  "bugreport",
		"bytes": res.Bytes,
	})
	timer.Finish(err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Facade) bugreport(ctx context.Context, s *session.Session, local string, timeout time.Duration) error {
	out, err := f.shellTimeout(ctx, s, "bugreport", "bugreportz", timeout)
	if err != nil {
		return err
	}
	remote, err := parseBugreportz(out)
	if err != nil {
		return types.CommandFailed("bugreport", s.Serial, err)
	}
	defer f.removeRemote(ctx, s, remote)

	if err := f.pullTimeout(ctx, s, remote, local, timeout); err != nil {
		return err
	}
	if localSize(local) == 0 {
		return types.CommandFailed("bugreport", s.Serial, errors.New("empty report"))
	}
	return nil
}

// DumpHeap writes a heap dump of a running process to a scratch file on the
// device, pulls it and removes the device copy. target is a package name or
// a numeric PID.
func (f *Facade) DumpHeap(ctx context.Context, serial, target string, opts types.HeapDumpOptions) (*types.CaptureResult, error) {
	target = strings.TrimSpace(target)
	pid, _ := strconv.Atoi(target)
	if pid <= 0 {
		pid = 0
		if err := validatePackage(target); err != nil {
			return nil, err
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHeapDumpTimeout
	}
	kind := "java"
	if opts.Native {
		kind = "native"
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	name := target
	if pid > 0 {
		name = "pid-" + target
	} else if pid, err = f.resolvePID(ctx, s, target); err != nil {
		return nil, err
	}

	local, discard, temporary, err := f.captureTarget(opts.OutputPath, "droidlink-heapdump-", name+"-"+kind+".hprof")
	if err != nil {
		return nil, types.CommandFailed("dumpheap", serial, err)
	}

	timer := logging.StartOperation("device", "dumpheap").
		AddDetail("serial", serial).
		AddDetail("pid", pid).
		AddDetail("kind", kind)
	started := time.Now()

	err = f.dumpHeap(ctx, s, pid, opts.Native, local, timeout)
	res := &types.CaptureResult{Path: local, Temporary: temporary, PID: pid}
	if err == nil {
		res.Bytes = localSize(local)
	} else {
		discard()
	}

	f.record(serial, journal.KindDiagnostic, started, err, map[string]interface{}{
		"type":   "heapdump",
		"target": target,
		"native": opts.Native,
		"bytes":  res.Bytes,
	})
	timer.Finish(err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Facade) dumpHeap(ctx context.Context, s *session.Session, pid int, native bool, local string, timeout time.Duration) error {
	remote := installTempDir + "/droidlink-heap-" + uuid.NewString() + ".hprof"
	// registered first: a timed-out dump can still finish writing the file
	defer f.removeRemote(ctx, s, remote)

	cmd := "am dumpheap"
	if native {
		cmd += " -n"
	}
	cmd += " " + strconv.Itoa(pid) + " " + shellQuote(remote)

	out, err := f.shellTimeout(ctx, s, "dumpheap", cmd, timeout)
	if err != nil {
		return err
	}
	if strings.Contains(out, "Error") || strings.Contains(out, "Exception") {
		return types.CommandFailed("dumpheap", s.Serial, errors.New(strings.TrimSpace(out)))
	}
	if err := f.pullTimeout(ctx, s, remote, local, timeout); err != nil {
		return err
	}
	if localSize(local) == 0 {
		return types.CommandFailed("dumpheap", s.Serial, errors.New("empty heap dump"))
	}
	return nil
}

// resolvePID finds the process of pkg with pidof, falling back to ps on
// devices whose toolbox lacks pidof.
func (f *Facade) resolvePID(ctx context.Context, s *session.Session, pkg string) (int, error) {
	out, err := f.shell(ctx, s, "dumpheap", "pidof "+pkg)
	if err != nil {
		return 0, err
	}
	if pid := firstPID(out); pid > 0 {
		return pid, nil
	}

	out, err = f.shell(ctx, s, "dumpheap", "ps -A -o PID,NAME")
	if err != nil {
		return 0, err
	}
	if pid := psPID(out, pkg); pid > 0 {
		return pid, nil
	}
	return 0, types.CommandFailed("dumpheap", s.Serial, fmt.Errorf("%s is not running", pkg))
}

// ========================================
// Device-side logs
// ========================================

// listRecent lists dir newest first
func (f *Facade) listRecent(ctx context.Context, s *session.Session, op, dir string) ([]string, string, error) {
	out, err := f.shell(ctx, s, op, "ls -1t "+dir)
	if err != nil {
		return nil, "", err
	}
	names, note := parseListing(dir, out)
	return names, note, nil
}

// readHead returns the first lines of a device file, capped at maxSize bytes.
func (f *Facade) readHead(ctx context.Context, s *session.Session, op, path string, lines, maxSize int) (types.TraceFile, error) {
	out, err := f.shell(ctx, s, op, "head -n "+strconv.Itoa(lines)+" "+shellQuote(path))
	if err != nil {
		return types.TraceFile{}, err
	}
	b := output.Bound(out, 0, maxSize)
	return types.TraceFile{
		Path:      path,
		Text:      b.Text,
		Truncated: b.Truncated || output.CountLines(out) >= lines,
	}, nil
}

func (f *Facade) traceMaxSize() int {
	if n := f.Limits().DefaultMaxSize; n > 0 && n < defaultTraceMaxLen {
		return n
	}
	return defaultTraceMaxLen
}

// ANRTraces reads the newest ANR trace files. Reading /data/anr usually needs
// root; an unreadable directory gives an empty report with a note, not an error.
func (f *Facade) ANRTraces(ctx context.Context, serial string) (*types.ANRReport, error) {
	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	report, err := f.anrTraces(ctx, s)
	f.record(serial, journal.KindDiagnostic, started, err, map[string]interface{}{"type": "anr"})
	return report, err
}

func (f *Facade) anrTraces(ctx context.Context, s *session.Session) (*types.ANRReport, error) {
	report := &types.ANRReport{Dir: anrDir, Traces: []types.TraceFile{}}
	names, note, err := f.listRecent(ctx, s, "anr", anrDir)
	if err != nil {
		return nil, err
	}
	report.Note = note
	if note == "" && len(names) == 0 {
		report.Note = "no ANR traces on the device"
	}

	for i, name := range names {
		path := anrDir + "/" + name
		if i >= recentFiles {
			report.Others = append(report.Others, path)
			continue
		}
		tf, err := f.readHead(ctx, s, "anr", path, anrTraceLines, f.traceMaxSize())
		if err != nil {
			return nil, err
		}
		report.Traces = append(report.Traces, tf)
	}
	return report, nil
}

// CrashReport collects the newest native tombstones, the dropbox crash entries
// and the logcat crash buffer.
func (f *Facade) CrashReport(ctx context.Context, serial string) (*types.CrashReport, error) {
	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	report, err := f.crashReport(ctx, s)
	f.record(serial, journal.KindDiagnostic, started, err, map[string]interface{}{"type": "crashes"})
	return report, err
}

func (f *Facade) crashReport(ctx context.Context, s *session.Session) (*types.CrashReport, error) {
	report := &types.CrashReport{Tombstones: []types.TraceFile{}, Dropbox: []types.TraceFile{}}

	names, note, err := f.listRecent(ctx, s, "crashes", tombstoneDir)
	if err != nil {
		return nil, err
	}
	if note != "" {
		report.Notes = append(report.Notes, note)
	}
	for _, name := range names {
		if len(report.Tombstones) == recentFiles {
			break
		}
		if !strings.HasPrefix(name, "tombstone") || strings.HasSuffix(name, ".pb") {
			continue
		}
		tf, err := f.readHead(ctx, s, "crashes", tombstoneDir+"/"+name, tombstoneLines, f.traceMaxSize())
		if err != nil {
			return nil, err
		}
		report.Tombstones = append(report.Tombstones, tf)
	}

	names, note, err = f.listRecent(ctx, s, "crashes", dropboxDir)
	if err != nil {
		return nil, err
	}
	if note != "" {
		report.Notes = append(report.Notes, note)
	}
	for _, name := range names {
		if len(report.Dropbox) == recentFiles {
			break
		}
		// compressed entries are skipped
		if !strings.Contains(name, "crash") || strings.HasSuffix(name, ".gz") {
			continue
		}
		tf, err := f.readHead(ctx, s, "crashes", dropboxDir+"/"+name, anrTraceLines, dropboxEntryBytes)
		if err != nil {
			return nil, err
		}
		report.Dropbox = append(report.Dropbox, tf)
	}

	out, err := f.shell(ctx, s, "crashes", "logcat -d -b crash -v threadtime -t "+strconv.Itoa(crashLogcatLines))
	if err != nil {
		return nil, err
	}
	report.Logcat = output.BoundTail(out, crashLogcatLines, f.traceMaxSize())
	return report, nil
}

// BatteryStatus parses "dumpsys battery" and adds the head of the battery
// history since the last full charge.
func (f *Facade) BatteryStatus(ctx context.Context, serial string) (*types.BatteryReport, error) {
	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	report, err := f.batteryStatus(ctx, s)
	f.record(serial, journal.KindDiagnostic, started, err, map[string]interface{}{"type": "battery"})
	return report, err
}

func (f *Facade) batteryStatus(ctx context.Context, s *session.Session) (*types.BatteryReport, error) {
	raw, err := f.shell(ctx, s, "battery", "dumpsys battery")
	if err != nil {
		return nil, err
	}
	if !strings.Contains(raw, "level:") {
		return nil, types.CommandFailed("battery", s.Serial, fmt.Errorf("unexpected dumpsys battery output: %q", clip(strings.TrimSpace(raw), 200)))
	}
	report := parseBatteryState(raw)

	history, err := f.shell(ctx, s, "battery", "dumpsys batterystats --charged | head -n "+strconv.Itoa(batteryHistoryCap))
	if err != nil {
		return nil, err
	}
	report.History = output.BoundTail(history, batteryHistoryCap, f.traceMaxSize())
	return &report, nil
}

// AppManifest returns the package manager's view of an installed app:
// version, paths, permissions and the components it registers.
func (f *Facade) AppManifest(ctx context.Context, serial, pkg string) (*types.AppManifest, error) {
	if err := validatePackage(pkg); err != nil {
		return nil, err
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	out, err := f.shell(ctx, s, "manifest", "dumpsys package "+pkg)
	var m *types.AppManifest
	if err == nil {
		var found bool
		if m, found = parsePackageDump(pkg, out); !found {
			err = types.CommandFailed("manifest", serial, fmt.Errorf("package %s is not installed", pkg))
		}
	}
	f.record(serial, journal.KindDiagnostic, started, err, map[string]interface{}{"type": "manifest", "package": pkg})
	if err != nil {
		return nil, err
	}
	return m, nil
}
