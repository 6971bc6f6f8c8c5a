package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"Droidlink/pkg/journal"
	"Droidlink/pkg/logging"
	"Droidlink/pkg/session"
	"Droidlink/pkg/types"
)

const screenshotRemotePath = "/sdcard/droidlink-screenshot.png"

// Reboot restarts serial into mode. The session is removed whether or not the
// reboot call succeeded; the caller reconnects once the device is back.
func (f *Facade) Reboot(ctx context.Context, serial string, mode types.RebootMode) error {
	mode, err := types.ParseRebootMode(string(mode))
	if err != nil {
		return err
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return err
	}
	defer release()

	timer := logging.StartOperation("device", "reboot").
		AddDetail("serial", serial).
		AddDetail("mode", string(mode))

	started := time.Now()
	err = f.exec.Do(ctx, "reboot", f.commandTimeout, func(c context.Context) error {
		return s.Transport.Reboot(c, mode)
	})
	f.reg.Evict(context.WithoutCancel(ctx), s, "reboot")
	f.invalidateProps(serial)
	f.record(serial, journal.KindReboot, started, err, map[string]interface{}{"mode": string(mode)})
	timer.Finish(err)

	return f.fail("reboot", serial, err)
}

// TakeScreenshot captures the screen of serial and returns the PNG bytes.
// Neither the device copy nor the local scratch file outlive the call.
func (f *Facade) TakeScreenshot(ctx context.Context, serial string) ([]byte, error) {
	local := filepath.Join(f.tempDir, "droidlink-screenshot-"+uuid.NewString()+".png")
	defer os.Remove(local)

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	data, err := f.capture(ctx, s, local)
	f.record(serial, journal.KindScreenshot, started, err, map[string]interface{}{"bytes": len(data)})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *Facade) capture(ctx context.Context, s *session.Session, local string) ([]byte, error) {
	// A timed-out screencap may still write the file, so cleanup runs either way.
	defer f.removeRemote(ctx, s, screenshotRemotePath)
	if _, err := f.shell(ctx, s, "screenshot", "screencap -p "+screenshotRemotePath); err != nil {
		return nil, err
	}

	if err := f.pull(ctx, s, screenshotRemotePath, local); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, types.CommandFailed("screenshot", s.Serial, fmt.Errorf("reading capture: %w", err))
	}
	if len(data) == 0 {
		return nil, types.CommandFailed("screenshot", s.Serial, errors.New("empty capture"))
	}
	return data, nil
}
