package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Droidlink/pkg/adb/adbtest"
	"Droidlink/pkg/cache"
	"Droidlink/pkg/executor"
	"Droidlink/pkg/types"
)

func newTestRegistry(t *testing.T, dialer *adbtest.FakeDialer, mutate ...func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		Dialer:         dialer,
		Executor:       executor.New(4, time.Second),
		ConnectTimeout: 500 * time.Millisecond,
		AuthTimeout:    100 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func propShell(props map[string]string) func(string) (string, error) {
	return func(cmd string) (string, error) {
		if cmd == "getprop" {
			out := ""
			for k, v := range props {
				out += "[" + k + "]: [" + v + "]\n"
			}
			return out, nil
		}
		if name, ok := strings.CutPrefix(cmd, "getprop "); ok {
			return props[name] + "\n", nil
		}
		return "", nil
	}
}

func TestConnectTCP_Idempotent(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	first, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	second, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:5555", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Len())

	connects, _ := dialer.Transport("10.0.0.5:5555").Counts()
	assert.Equal(t, 1, connects, "an available session must not be re-handshaked")
}

func TestConnectTCP_ConcurrentCallersShareHandshake(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.5:5555", types.ConnectionTCP))
	ft.ConnectDelay = 50 * time.Millisecond
	r := newTestRegistry(t, dialer)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serial, err := r.ConnectTCP(context.Background(), "10.0.0.5", 5555)
			assert.NoError(t, err)
			assert.Equal(t, "10.0.0.5:5555", serial)
		}()
	}
	wg.Wait()

	connects, _ := ft.Counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, r.Len())
}

func TestConnectTCP_CancelledCallerDoesNotFailOthers(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.5:5555", types.ConnectionTCP))
	ft.ConnectDelay = 100 * time.Millisecond
	r := newTestRegistry(t, dialer)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.ConnectTCP(first, "10.0.0.5", 5555)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := r.ConnectTCP(context.Background(), "10.0.0.5", 5555)
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	assert.NoError(t, <-secondErr, "the joined caller still has a live context")

	connects, _ := ft.Counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, r.Len())
}

func TestConnectTCP_FailureLeavesRegistryUnchanged(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.9:5555", types.ConnectionTCP))
	ft.ConnectErr = errors.New("failed to connect to '10.0.0.9:5555': Connection refused")
	r := newTestRegistry(t, dialer)

	_, err := r.ConnectTCP(context.Background(), "10.0.0.9", 5555)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Contains(t, err.Error(), "Connection refused", "transport message is preserved")
	assert.Equal(t, 0, r.Len())
}

func TestConnectTCP_HandshakeTimeout(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.7:5555", types.ConnectionTCP))
	ft.ConnectDelay = 300 * time.Millisecond
	r := newTestRegistry(t, dialer, func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond })

	_, err := r.ConnectTCP(context.Background(), "10.0.0.7", 5555)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, 0, r.Len())
}

func TestConnectTCP_InvalidArguments(t *testing.T) {
	r := newTestRegistry(t, adbtest.NewFakeDialer())
	ctx := context.Background()

	_, err := r.ConnectTCP(ctx, "", 5555)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = r.ConnectTCP(ctx, "10.0.0.5", 0)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = r.ConnectTCP(ctx, "10.0.0.5", 70000)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestConnectTCP_ReplacesUnavailableSession(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	before, err := r.Lookup("10.0.0.5:5555")
	require.NoError(t, err)

	ft := dialer.Transport("10.0.0.5:5555")
	ft.SetAvailable(false)

	_, err = r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)

	connects, closes := ft.Counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, closes, "the stale handle is closed")
	assert.Equal(t, 1, r.Len())

	after, err := r.Lookup("10.0.0.5:5555")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
}

func TestConnectTCP_Throttled(t *testing.T) {
	r := newTestRegistry(t, adbtest.NewFakeDialer(), func(o *Options) {
		o.ConnectRate = 0.001
		o.ConnectBurst = 1
	})

	_, err := r.ConnectTCP(context.Background(), "10.0.0.5", 5555)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.ConnectTCP(ctx, "10.0.0.6", 5555)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Equal(t, 1, r.Len())

	_, err = r.ConnectTCP(context.Background(), "10.0.0.5", 5555)
	assert.NoError(t, err, "idempotent reconnect does not consume a token")
}

func TestConnectUSB(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	serial, found, err := r.ConnectUSB(ctx)
	require.NoError(t, err, "no attached device is not an error")
	assert.False(t, found)
	assert.Empty(t, serial)

	dialer.USBSerial = "R58M12ABCDE"
	serial, found, err = r.ConnectUSB(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "R58M12ABCDE", serial)

	serial, found, err = r.ConnectUSB(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "R58M12ABCDE", serial)
	assert.Equal(t, 1, r.Len())

	connects, _ := dialer.Transport("R58M12ABCDE").Counts()
	assert.Equal(t, 1, connects)
}

func TestConnectUSB_DiscoveryError(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	dialer.USBErr = errors.New("cannot connect to daemon")
	r := newTestRegistry(t, dialer)

	_, found, err := r.ConnectUSB(context.Background())
	assert.False(t, found)
	assert.ErrorIs(t, err, types.ErrConnection)
}

func TestDisconnect(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	assert.False(t, r.Disconnect(ctx, "unknown:5555"))

	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	assert.True(t, r.Disconnect(ctx, "10.0.0.5:5555"))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Disconnect(ctx, "10.0.0.5:5555"))

	_, closes := dialer.Transport("10.0.0.5:5555").Counts()
	assert.Equal(t, 1, closes)
}

func TestDisconnect_CloseFailureStillRemoves(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.5:5555", types.ConnectionTCP))
	ft.CloseErr = errors.New("error: closed")
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)

	assert.True(t, r.Disconnect(ctx, "10.0.0.5:5555"))
	assert.Equal(t, 0, r.Len())
}

func TestList_ExcludesUnavailableButKeepsThem(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	_, err = r.ConnectTCP(ctx, "10.0.0.6", 5555)
	require.NoError(t, err)

	dialer.Transport("10.0.0.6:5555").SetAvailable(false)

	list := r.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.5:5555", list[0].Serial)
	assert.Equal(t, 2, r.Len(), "list must not remove entries")
	assert.Equal(t, []string{"10.0.0.5:5555", "10.0.0.6:5555"}, r.Serials())

	_, err = r.Lookup("10.0.0.6:5555")
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)
}

func TestList_EnrichesBestEffort(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	good := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.5:5555", types.ConnectionTCP))
	good.ShellFunc = propShell(map[string]string{
		"ro.product.model":         "Pixel 7",
		"ro.build.version.release": "14",
	})
	bad := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.6:5555", types.ConnectionTCP))
	bad.ShellFunc = func(string) (string, error) { return "", errors.New("error: closed") }

	r := newTestRegistry(t, dialer)
	ctx := context.Background()
	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	_, err = r.ConnectTCP(ctx, "10.0.0.6", 5555)
	require.NoError(t, err)

	list := r.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.5:5555", list[0].Serial, "ordered by connect time")
	assert.Equal(t, "Pixel 7", list[0].Model)
	assert.Equal(t, "14", list[0].AndroidVersion)
	assert.Empty(t, list[1].Model)
	assert.Empty(t, list[1].AndroidVersion)
}

func TestGetProperty(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.5:5555", types.ConnectionTCP))
	ft.ShellFunc = propShell(map[string]string{"ro.product.brand": "google"})
	r := newTestRegistry(t, dialer)
	ctx := context.Background()
	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)

	v, ok := r.GetProperty(ctx, "10.0.0.5:5555", "ro.product.brand")
	assert.True(t, ok)
	assert.Equal(t, "google", v)

	v, ok = r.GetProperty(ctx, "10.0.0.5:5555", "ro.does.not.exist")
	assert.False(t, ok)
	assert.Empty(t, v)

	_, ok = r.GetProperty(ctx, "10.0.0.5:5555", "x; reboot")
	assert.False(t, ok, "names with shell syntax are never sent")

	_, ok = r.GetProperty(ctx, "missing:5555", "ro.product.brand")
	assert.False(t, ok)
}

func TestGetAllProperties(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	ft := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.5:5555", types.ConnectionTCP))
	ft.ShellFunc = func(string) (string, error) {
		return "[ro.product.model]: [Pixel 7]\n" +
			"garbage line\n" +
			"[ro.empty]: []\n" +
			"[persist.sys.timezone]: [Europe/Berlin]\n", nil
	}
	r := newTestRegistry(t, dialer)
	ctx := context.Background()
	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)

	props, ok := r.GetAllProperties(ctx, "10.0.0.5:5555")
	require.True(t, ok)
	assert.Equal(t, "Pixel 7", props["ro.product.model"])
	assert.Equal(t, "Europe/Berlin", props["persist.sys.timezone"])
	assert.Contains(t, props, "ro.empty")
	assert.Len(t, props, 3)
}

func TestSweep_RemovesLostSessions(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	ctx := context.Background()

	_, err := r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	_, err = r.ConnectTCP(ctx, "10.0.0.6", 5555)
	require.NoError(t, err)

	dialer.Transport("10.0.0.6:5555").SetAvailable(false)

	removed := r.Sweep(ctx)
	assert.Equal(t, []string{"10.0.0.6:5555"}, removed)
	assert.Equal(t, []string{"10.0.0.5:5555"}, r.Serials())
	assert.Equal(t, 1, dialer.Transport("10.0.0.5:5555").ProbeCalls)
}

func TestMonitor_StopsWithContext(t *testing.T) {
	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer)
	_, err := r.ConnectTCP(context.Background(), "10.0.0.5", 5555)
	require.NoError(t, err)
	dialer.Transport("10.0.0.5:5555").SetAvailable(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Monitor(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestReconnectKnown(t *testing.T) {
	known, err := cache.New(cache.Config{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	dialer := adbtest.NewFakeDialer()
	r := newTestRegistry(t, dialer, func(o *Options) { o.Known = known })
	ctx := context.Background()

	_, err = r.ConnectTCP(ctx, "10.0.0.5", 5555)
	require.NoError(t, err)
	_, err = r.ConnectTCP(ctx, "10.0.0.6", 5555)
	require.NoError(t, err)
	require.True(t, r.Disconnect(ctx, "10.0.0.6:5555"), "explicit disconnect forgets the device")
	require.True(t, r.Remove(ctx, "10.0.0.5:5555", "test"), "removal keeps it")
	require.Equal(t, 0, r.Len())

	broken := dialer.Prepare(adbtest.NewFakeTransport("10.0.0.8:5555", types.ConnectionTCP))
	broken.ConnectErr = errors.New("unreachable")
	known.Touch("10.0.0.8:5555", time.Now().Add(-time.Hour))

	connected := r.ReconnectKnown(ctx)
	assert.Equal(t, []string{"10.0.0.5:5555"}, connected)
	assert.Equal(t, []string{"10.0.0.5:5555"}, r.Serials())
}

func TestParseProperties(t *testing.T) {
	props := ParseProperties("[a]: [1]\r\n[b.c]: [x y]\nnot a prop\n")
	assert.Equal(t, map[string]string{"a": "1", "b.c": "x y"}, props)
}
