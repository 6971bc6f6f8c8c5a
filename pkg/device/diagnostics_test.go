package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Droidlink/pkg/adb/adbtest"
	"Droidlink/pkg/types"
)

const bugreportRemote = "/data/user_de/0/com.android.shell/files/bugreports/bugreport-sdk-2024.zip"

// lastArg returns the final word of a shell command with quoting removed.
func lastArg(cmd string) string {
	fields := strings.Fields(cmd)
	return strings.Trim(fields[len(fields)-1], "'")
}

// removingShell answers "rm -f" by deleting the file from the fake and
// delegates everything else to next.
func removingShell(ft *adbtest.FakeTransport, next func(string) (string, error)) func(string) (string, error) {
	return func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "rm -f ") {
			ft.RemoveFile(lastArg(cmd))
			return "", nil
		}
		return next(cmd)
	}
}

// ========================================
// Bug reports
// ========================================

func TestCaptureBugreport(t *testing.T) {
	env := newTestEnv(t)
	report := []byte("PK\x03\x04bugreport")
	env.fake.SetShell(removingShell(env.fake, func(cmd string) (string, error) {
		if cmd == "bugreportz" {
			env.fake.PutFile(bugreportRemote, report)
			return "OK:" + bugreportRemote + "\n", nil
		}
		return "", nil
	}))

	out := filepath.Join(env.tmp, "reports", "br.zip")
	res, err := env.facade.CaptureBugreport(context.Background(), testSerial, types.BugreportOptions{OutputPath: out})
	require.NoError(t, err)

	assert.Equal(t, out, res.Path)
	assert.Equal(t, int64(len(report)), res.Bytes)
	assert.False(t, res.Temporary)
	assert.Empty(t, res.Screenshot)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, report, data)
	assert.False(t, env.fake.HasFile(bugreportRemote), "device copy is removed")
	assert.Equal(t, 0, commandCount(env.fake, "screencap"))
}

func TestCaptureBugreport_TempDirWithScreenshot(t *testing.T) {
	env := newTestEnv(t)
	png := []byte("\x89PNG\r\n\x1a\nfake")
	env.fake.SetShell(removingShell(env.fake, func(cmd string) (string, error) {
		switch {
		case cmd == "bugreportz":
			env.fake.PutFile(bugreportRemote, []byte("PK"))
			return "OK:" + bugreportRemote, nil
		case strings.HasPrefix(cmd, "screencap"):
			env.fake.PutFile(screenshotRemotePath, png)
		}
		return "", nil
	}))

	res, err := env.facade.CaptureBugreport(context.Background(), testSerial, types.BugreportOptions{Screenshot: true})
	require.NoError(t, err)

	assert.True(t, res.Temporary)
	assert.True(t, strings.HasPrefix(res.Path, env.tmp))
	assert.Equal(t, "bugreport-10.0.0.5_5555.zip", filepath.Base(res.Path))

	shot, err := os.ReadFile(res.Screenshot)
	require.NoError(t, err)
	assert.Equal(t, png, shot)
	assert.False(t, env.fake.HasFile(screenshotRemotePath))
	assert.False(t, env.fake.HasFile(bugreportRemote))
}

func TestCaptureBugreport_ScreenshotFailureKeepsReport(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(removingShell(env.fake, func(cmd string) (string, error) {
		if cmd == "bugreportz" {
			env.fake.PutFile(bugreportRemote, []byte("PK"))
			return "OK:" + bugreportRemote, nil
		}
		// screencap writes nothing, so the pull fails
		return "", nil
	}))

	res, err := env.facade.CaptureBugreport(context.Background(), testSerial, types.BugreportOptions{Screenshot: true})
	require.NoError(t, err)
	assert.Empty(t, res.Screenshot)
	assert.FileExists(t, res.Path)
}

func TestCaptureBugreport_DeviceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		return "FAIL:dumpstate is already running\n", nil
	})

	_, err := env.facade.CaptureBugreport(context.Background(), testSerial, types.BugreportOptions{})
	require.ErrorIs(t, err, types.ErrCommandFailed)
	assert.Contains(t, err.Error(), "dumpstate is already running")

	entries, err := os.ReadDir(env.tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "the scratch directory is removed")
}

func TestCaptureBugreport_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		time.Sleep(150 * time.Millisecond)
		return "OK:" + bugreportRemote, nil
	})

	_, err := env.facade.CaptureBugreport(context.Background(), testSerial, types.BugreportOptions{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, 1, env.reg.Len())

	entries, err := os.ReadDir(env.tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseBugreportz(t *testing.T) {
	path, err := parseBugreportz("OK:/bugreports/a.zip\n")
	require.NoError(t, err)
	assert.Equal(t, "/bugreports/a.zip", path)

	_, err = parseBugreportz("FAIL:could not create zip file")
	assert.EqualError(t, err, "could not create zip file")

	_, err = parseBugreportz("/system/bin/sh: bugreportz: inaccessible or not found")
	assert.ErrorContains(t, err, "unexpected bugreportz output")
}

// ========================================
// Heap dumps
// ========================================

func heapShell(ft *adbtest.FakeTransport, pidof string) func(string) (string, error) {
	return removingShell(ft, func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "pidof "):
			return pidof, nil
		case strings.HasPrefix(cmd, "am dumpheap"):
			ft.PutFile(lastArg(cmd), []byte("JAVA PROFILE 1.0.2"))
		}
		return "", nil
	})
}

func TestDumpHeap_ByPackage(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(heapShell(env.fake, "4321\n"))

	res, err := env.facade.DumpHeap(context.Background(), testSerial, "com.example.app", types.HeapDumpOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4321, res.PID)
	assert.True(t, res.Temporary)
	assert.Equal(t, "com.example.app-java.hprof", filepath.Base(res.Path))
	assert.Equal(t, int64(len("JAVA PROFILE 1.0.2")), res.Bytes)

	var dump string
	for _, c := range env.fake.History() {
		if strings.HasPrefix(c, "am dumpheap") {
			dump = c
		}
	}
	require.NotEmpty(t, dump)
	assert.True(t, strings.HasPrefix(dump, "am dumpheap 4321 '/data/local/tmp/droidlink-heap-"))
	assert.False(t, env.fake.HasFile(lastArg(dump)), "device copy is removed")
}

func TestDumpHeap_ByPIDNative(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(heapShell(env.fake, ""))

	out := filepath.Join(env.tmp, "heap.hprof")
	res, err := env.facade.DumpHeap(context.Background(), testSerial, "777", types.HeapDumpOptions{Native: true, OutputPath: out})
	require.NoError(t, err)

	assert.Equal(t, 777, res.PID)
	assert.Equal(t, out, res.Path)
	assert.Equal(t, 0, commandCount(env.fake, "pidof"))
	assert.Equal(t, 1, commandCount(env.fake, "am dumpheap -n 777 "))
}

func TestDumpHeap_PsFallback(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(removingShell(env.fake, func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "pidof"):
			return "/system/bin/sh: pidof: not found\n", nil
		case strings.HasPrefix(cmd, "ps "):
			return "  PID NAME\n  555 com.example.app\n  556 com.example.app:remote\n", nil
		case strings.HasPrefix(cmd, "am dumpheap"):
			env.fake.PutFile(lastArg(cmd), []byte("x"))
		}
		return "", nil
	}))

	res, err := env.facade.DumpHeap(context.Background(), testSerial, "com.example.app", types.HeapDumpOptions{})
	require.NoError(t, err)
	assert.Equal(t, 555, res.PID)
}

func TestDumpHeap_NotRunning(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "ps ") {
			return "  PID NAME\n", nil
		}
		return "", nil
	})

	_, err := env.facade.DumpHeap(context.Background(), testSerial, "com.example.app", types.HeapDumpOptions{})
	require.ErrorIs(t, err, types.ErrCommandFailed)
	assert.Contains(t, err.Error(), "com.example.app is not running")
	assert.Equal(t, 0, commandCount(env.fake, "am dumpheap"))
}

func TestDumpHeap_TimeoutStillRemovesDeviceCopy(t *testing.T) {
	env := newTestEnv(t)
	var remote string
	env.fake.SetShell(removingShell(env.fake, func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "pidof "):
			return "4321", nil
		case strings.HasPrefix(cmd, "am dumpheap"):
			remote = lastArg(cmd)
			env.fake.PutFile(remote, []byte("partial"))
			time.Sleep(150 * time.Millisecond)
		}
		return "", nil
	}))

	_, err := env.facade.DumpHeap(context.Background(), testSerial, "com.example.app", types.HeapDumpOptions{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, types.ErrTimeout)

	assert.Equal(t, 1, commandCount(env.fake, "rm -f '/data/local/tmp/droidlink-heap-"))
	assert.False(t, env.fake.HasFile(remote))

	entries, err := os.ReadDir(env.tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDumpHeap_DeviceError(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(removingShell(env.fake, func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "am dumpheap") {
			return "Error: Unknown process: 999", nil
		}
		return "", nil
	}))

	_, err := env.facade.DumpHeap(context.Background(), testSerial, "999", types.HeapDumpOptions{})
	require.ErrorIs(t, err, types.ErrCommandFailed)
	assert.Contains(t, err.Error(), "Unknown process")
	assert.Equal(t, 1, commandCount(env.fake, "rm -f "))
}

func TestDumpHeap_InvalidTarget(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{"", "  ", "-5", "not a package", "com.example;reboot"} {
		_, err := env.facade.DumpHeap(context.Background(), testSerial, target, types.HeapDumpOptions{})
		assert.ErrorIs(t, err, types.ErrInvalidArgument, target)
	}
	assert.Empty(t, env.fake.History())
}

// ========================================
// Device-side logs
// ========================================

func TestANRTraces(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		switch {
		case cmd == "ls -1t /data/anr":
			return "anr_2024-05-03\nanr_2024-05-02\ntraces.txt\nanr_2024-04-30\n", nil
		case strings.HasPrefix(cmd, "head -n 200 "):
			return "----- pid 123 at " + lastArg(cmd) + " -----\n", nil
		}
		return "", nil
	})

	report, err := env.facade.ANRTraces(context.Background(), testSerial)
	require.NoError(t, err)

	require.Len(t, report.Traces, 3)
	assert.Equal(t, "/data/anr/anr_2024-05-03", report.Traces[0].Path)
	assert.Contains(t, report.Traces[0].Text, "pid 123 at /data/anr/anr_2024-05-03")
	assert.False(t, report.Traces[0].Truncated)
	assert.Equal(t, []string{"/data/anr/anr_2024-04-30"}, report.Others)
	assert.Empty(t, report.Note)
}

func TestANRTraces_Unreadable(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		return "ls: /data/anr: Permission denied\n", nil
	})

	report, err := env.facade.ANRTraces(context.Background(), testSerial)
	require.NoError(t, err)
	assert.Empty(t, report.Traces)
	assert.Contains(t, report.Note, "not readable without root")
	assert.Equal(t, 0, commandCount(env.fake, "head"))
}

func TestCrashReport(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		switch {
		case cmd == "ls -1t /data/tombstones":
			return "tombstone_01\ntombstone_01.pb\ntombstone_00\n", nil
		case cmd == "ls -1t /data/system/dropbox":
			return "system_app_crash@1700000002.txt.gz\ndata_app_crash@1700000001.txt\nevent_data@1700000000.txt\n", nil
		case strings.HasPrefix(cmd, "head -n "):
			return "*** *** *** " + lastArg(cmd) + "\n", nil
		case strings.HasPrefix(cmd, "logcat -d -b crash"):
			return "--------- beginning of crash\nE AndroidRuntime: FATAL EXCEPTION: main\n", nil
		}
		return "", nil
	})

	report, err := env.facade.CrashReport(context.Background(), testSerial)
	require.NoError(t, err)

	require.Len(t, report.Tombstones, 2)
	assert.Equal(t, "/data/tombstones/tombstone_01", report.Tombstones[0].Path)
	assert.Equal(t, "/data/tombstones/tombstone_00", report.Tombstones[1].Path)
	require.Len(t, report.Dropbox, 1)
	assert.Equal(t, "/data/system/dropbox/data_app_crash@1700000001.txt", report.Dropbox[0].Path)
	assert.Contains(t, report.Logcat.Text, "FATAL EXCEPTION")
	assert.Empty(t, report.Notes)
	assert.Equal(t, 1, commandCount(env.fake, "head -n 30 '/data/tombstones/tombstone_01'"))
}

func TestCrashReport_MissingDirectories(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "ls ") {
			return "ls: " + lastArg(cmd) + ": No such file or directory\n", nil
		}
		return "", nil
	})

	report, err := env.facade.CrashReport(context.Background(), testSerial)
	require.NoError(t, err)
	assert.Empty(t, report.Tombstones)
	assert.Empty(t, report.Dropbox)
	assert.Len(t, report.Notes, 2)
}

const dumpsysBattery = `Current Battery Service state:
  AC powered: false
  USB powered: true
  Wireless powered: false
  Max charging current: 500000
  status: 2
  health: 2
  present: true
  level: 85
  scale: 100
  voltage: 4231
  temperature: 287
  technology: Li-ion
`

func TestBatteryStatus(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		switch {
		case cmd == "dumpsys battery":
			return dumpsysBattery, nil
		case strings.HasPrefix(cmd, "dumpsys batterystats --charged"):
			return "Statistics since last charge:\n  System starts: 0, currently on battery: false\n", nil
		}
		return "", nil
	})

	report, err := env.facade.BatteryStatus(context.Background(), testSerial)
	require.NoError(t, err)

	assert.Equal(t, 85, report.Level)
	assert.Equal(t, 100, report.Scale)
	assert.Equal(t, "charging", report.Status)
	assert.Equal(t, "good", report.Health)
	assert.Equal(t, "USB", report.PluggedInto)
	assert.InDelta(t, 28.7, report.Temperature, 0.001)
	assert.Equal(t, 4231, report.VoltageMV)
	assert.Equal(t, "Li-ion", report.Technology)
	assert.Contains(t, report.History.Text, "Statistics since last charge")
	assert.Equal(t, 1, commandCount(env.fake, "dumpsys batterystats --charged | head -n 200"))
}

func TestBatteryStatus_UnexpectedOutput(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		return "Can't find service: battery\n", nil
	})

	_, err := env.facade.BatteryStatus(context.Background(), testSerial)
	assert.ErrorIs(t, err, types.ErrCommandFailed)
}

const dumpsysPackage = `Activity Resolver Table:
  Non-Data Actions:
      android.intent.action.MAIN:
        1a2b3c com.example.app/.MainActivity filter 4d5e6f
          Action: "android.intent.action.MAIN"
          Category: "android.intent.category.LAUNCHER"
      android.intent.action.VIEW:
        7a8b9c com.example.app/.MainActivity filter aa11bb
        7a8b9d com.other.app/.Viewer filter aa11bc

Receiver Resolver Table:
  Non-Data Actions:
      android.intent.action.BOOT_COMPLETED:
        c0ffee com.example.app/.BootReceiver filter 123abc

Service Resolver Table:
  Non-Data Actions:
      com.example.app.SYNC:
        beef01 com.example.app/.sync.SyncService filter 456def

Registered ContentProviders:
  com.example.app/.data.Provider:
    Provider{9f8e7d com.example.app/.data.Provider}

Permissions:
  Permission [com.example.app.permission.C2D_MESSAGE] (5e6f7a):
    sourcePackage=com.example.app

Packages:
  Package [com.example.app] (3c4d5e):
    userId=10123
    pkg=Package{8a9b0c com.example.app}
    codePath=/data/app/~~abc==/com.example.app-xyz==
    primaryCpuAbi=arm64-v8a
    secondaryCpuAbi=null
    versionCode=42 minSdk=24 targetSdk=34
    versionName=1.2.3
    flags=[ HAS_CODE ALLOW_CLEAR_USER_DATA ALLOW_BACKUP ]
    privateFlags=[ PRIVATE_FLAG_ACTIVITIES_RESIZE_MODE_RESIZEABLE ]
    dataDir=/data/user/0/com.example.app
    timeStamp=2024-01-02 03:04:05
    firstInstallTime=2024-01-02 03:04:06
    lastUpdateTime=2024-02-03 04:05:06
    declared permissions:
      com.example.app.permission.C2D_MESSAGE: prot=signature, INSTALLED
    requested permissions:
      android.permission.INTERNET
      android.permission.CAMERA
      android.permission.READ_SMS: restricted=true
    install permissions:
      android.permission.INTERNET: granted=true
    User 0: ceDataInode=12345 installed=true hidden=false
`

func TestParsePackageDump(t *testing.T) {
	m, found := parsePackageDump("com.example.app", dumpsysPackage)
	require.True(t, found)

	assert.Equal(t, "42", m.VersionCode)
	assert.Equal(t, "1.2.3", m.VersionName)
	assert.Equal(t, "24", m.MinSDK)
	assert.Equal(t, "34", m.TargetSDK)
	assert.Equal(t, "/data/app/~~abc==/com.example.app-xyz==", m.CodePath)
	assert.Equal(t, "/data/user/0/com.example.app", m.DataDir)
	assert.Equal(t, "10123", m.UserID)
	assert.Equal(t, "arm64-v8a", m.CPUABI)
	assert.Equal(t, "2024-01-02 03:04:06", m.FirstInstall)
	assert.Equal(t, "2024-02-03 04:05:06", m.LastUpdate)
	assert.Equal(t, []string{"HAS_CODE", "ALLOW_CLEAR_USER_DATA", "ALLOW_BACKUP"}, m.Flags)

	assert.Equal(t, []string{"com.example.app.permission.C2D_MESSAGE"}, m.DeclaredPermissions)
	assert.Equal(t, []string{"android.permission.INTERNET", "android.permission.CAMERA", "android.permission.READ_SMS"}, m.RequestedPermissions)

	assert.Equal(t, []string{"com.example.app/.MainActivity"}, m.Activities)
	assert.Equal(t, []string{"com.example.app/.BootReceiver"}, m.Receivers)
	assert.Equal(t, []string{"com.example.app/.sync.SyncService"}, m.Services)
	assert.Equal(t, []string{"com.example.app/.data.Provider"}, m.Providers)
}

func TestParsePackageDump_NotInstalled(t *testing.T) {
	m, found := parsePackageDump("com.missing.app", "Unable to find package: com.missing.app\n")
	assert.False(t, found)
	assert.Empty(t, m.Activities)
}

func TestAppManifest(t *testing.T) {
	env := newTestEnv(t)
	env.fake.SetShell(func(cmd string) (string, error) {
		if cmd == "dumpsys package com.example.app" {
			return dumpsysPackage, nil
		}
		return "Unable to find package: " + lastArg(cmd) + "\n", nil
	})
	ctx := context.Background()

	m, err := env.facade.AppManifest(ctx, testSerial, "com.example.app")
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", m.Package)
	assert.Equal(t, "1.2.3", m.VersionName)

	_, err = env.facade.AppManifest(ctx, testSerial, "com.missing.app")
	require.ErrorIs(t, err, types.ErrCommandFailed)
	assert.Contains(t, err.Error(), "not installed")

	_, err = env.facade.AppManifest(ctx, testSerial, "com.example.app; reboot")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestParseListingAndPIDs(t *testing.T) {
	names, note := parseListing("/data/anr", "a\n\nb\n")
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Empty(t, note)

	_, note = parseListing("/data/anr", "ls: /data/anr: No such file or directory")
	assert.Equal(t, "/data/anr does not exist", note)

	assert.Equal(t, 42, firstPID("42 43\n"))
	assert.Equal(t, 0, firstPID(""))
	assert.Equal(t, 7, psPID("PID NAME\n7 com.a.b\n8 com.a.b:svc\n", "com.a.b"))
	assert.Equal(t, 0, psPID("PID NAME\n8 com.a.b:svc\n", "com.a.b"))
}
