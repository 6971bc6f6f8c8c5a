package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"Droidlink/pkg/journal"
	"Droidlink/pkg/output"
	"Droidlink/pkg/session"
	"Droidlink/pkg/types"
)

func requireDevicePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: device path cannot be empty", types.ErrInvalidArgument)
	}
	return nil
}

// PushFile copies a local file to the device.
func (f *Facade) PushFile(ctx context.Context, serial, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("%w: local file %s: %v", types.ErrInvalidArgument, local, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", types.ErrInvalidArgument, local)
	}
	if err := requireDevicePath(remote); err != nil {
		return err
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return err
	}
	defer release()

	return f.push(ctx, s, local, remote, info.Size())
}

func (f *Facade) push(ctx context.Context, s *session.Session, local, remote string, size int64) error {
	started := time.Now()
	err := f.exec.Do(ctx, "push", f.transferTimeout, func(c context.Context) error {
		return s.Transport.Push(c, local, remote)
	})
	f.record(s.Serial, journal.KindTransfer, started, err, map[string]interface{}{
		"direction": "push",
		"remote":    remote,
		"bytes":     size,
	})
	if err != nil {
		f.checkLost(ctx, s)
		return f.fail("push", s.Serial, err)
	}
	return nil
}

// PullFile copies a device file to local, creating the local directory first.
func (f *Facade) PullFile(ctx context.Context, serial, remote, local string) error {
	if err := requireDevicePath(remote); err != nil {
		return err
	}
	if strings.TrimSpace(local) == "" {
		return fmt.Errorf("%w: local path cannot be empty", types.ErrInvalidArgument)
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return err
	}
	defer release()

	return f.pull(ctx, s, remote, local)
}

func (f *Facade) pull(ctx context.Context, s *session.Session, remote, local string) error {
	return f.pullTimeout(ctx, s, remote, local, f.transferTimeout)
}

func (f *Facade) pullTimeout(ctx context.Context, s *session.Session, remote, local string, timeout time.Duration) error {
	if dir := filepath.Dir(local); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return types.CommandFailed("pull", s.Serial, fmt.Errorf("creating %s: %w", dir, err))
		}
	}

	started := time.Now()
	err := f.exec.Do(ctx, "pull", timeout, func(c context.Context) error {
		return s.Transport.Pull(c, remote, local)
	})
	var size int64
	if err == nil {
		if info, statErr := os.Stat(local); statErr == nil {
			size = info.Size()
		}
	}
	f.record(s.Serial, journal.KindTransfer, started, err, map[string]interface{}{
		"direction": "pull",
		"remote":    remote,
		"bytes":     size,
	})
	if err != nil {
		f.checkLost(ctx, s)
		return f.fail("pull", s.Serial, err)
	}
	return nil
}

// ListDirectory returns "ls -la" output for dir, bounded by the default caps.
func (f *Facade) ListDirectory(ctx context.Context, serial, dir string) (string, error) {
	if err := requireDevicePath(dir); err != nil {
		return "", err
	}
	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return "", err
	}
	defer release()

	out, err := f.shell(ctx, s, "list directory", "ls -la "+shellQuote(dir))
	if err != nil {
		return "", err
	}
	limits := f.Limits()
	return output.Bound(out, limits.DefaultMaxLines, limits.DefaultMaxSize).Text, nil
}

// ReadFile returns the content of a text file. Files larger than maxSize
// bytes (0 for the default cap) are refused; use PullFile for those.
func (f *Facade) ReadFile(ctx context.Context, serial, file string, maxSize int) (string, error) {
	if err := requireDevicePath(file); err != nil {
		return "", err
	}
	maxSize = resolveMaxSize(maxSize, f.Limits().DefaultMaxSize)

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return "", err
	}
	defer release()

	q := shellQuote(file)
	sizeOut, err := f.shell(ctx, s, "read file", "if [ -f "+q+" ]; then wc -c < "+q+"; else echo missing; fi")
	if err != nil {
		return "", err
	}
	sizeOut = strings.TrimSpace(sizeOut)
	if sizeOut == "missing" {
		return "", types.CommandFailed("read file", serial, fmt.Errorf("%s: no such file", file))
	}
	if size, perr := strconv.Atoi(sizeOut); perr == nil && maxSize > 0 && size > maxSize {
		return "", fmt.Errorf("%w: %s is %d bytes, larger than the %d byte limit; pull it instead",
			types.ErrInvalidArgument, file, size, maxSize)
	}

	return f.shell(ctx, s, "read file", "cat "+q)
}

// WriteFile writes content to a device file by pushing a local scratch copy.
func (f *Facade) WriteFile(ctx context.Context, serial, file, content string) error {
	if err := requireDevicePath(file); err != nil {
		return err
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return err
	}
	defer release()

	tmp, err := os.CreateTemp(f.tempDir, "droidlink-write-*")
	if err != nil {
		return types.CommandFailed("write file", serial, err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.CommandFailed("write file", serial, err)
	}

	return f.push(ctx, s, tmp.Name(), file, int64(len(content)))
}

// DeleteFile removes a file, or a directory recursively.
func (f *Facade) DeleteFile(ctx context.Context, serial, file string) error {
	if err := requireDevicePath(file); err != nil {
		return err
	}
	if path.Clean(file) == "/" {
		return fmt.Errorf("%w: refusing to delete /", types.ErrInvalidArgument)
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return err
	}
	defer release()

	q := shellQuote(file)
	out, err := f.shell(ctx, s, "delete", "if [ -d "+q+" ]; then rm -rf "+q+"; else rm "+q+"; fi")
	if err != nil {
		return err
	}
	if msg := strings.TrimSpace(out); msg != "" {
		return types.CommandFailed("delete", serial, errors.New(msg))
	}
	return nil
}

// CreateDirectory creates dir and any missing parents.
func (f *Facade) CreateDirectory(ctx context.Context, serial, dir string) error {
	if err := requireDevicePath(dir); err != nil {
		return err
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return err
	}
	defer release()

	out, err := f.shell(ctx, s, "mkdir", "mkdir -p "+shellQuote(dir))
	if err != nil {
		return err
	}
	if msg := strings.TrimSpace(out); msg != "" {
		return types.CommandFailed("mkdir", serial, errors.New(msg))
	}
	return nil
}

// FileExists reports whether p exists on the device.
func (f *Facade) FileExists(ctx context.Context, serial, p string) (bool, error) {
	if err := requireDevicePath(p); err != nil {
		return false, err
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return false, err
	}
	defer release()

	out, err := f.shell(ctx, s, "exists", "[ -e "+shellQuote(p)+" ] && echo yes || echo no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "yes", nil
}
