package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"Droidlink/pkg/journal"
	"Droidlink/pkg/types"
)

const installTempDir = "/data/local/tmp"

var (
	packagePattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z0-9_]+)+$`)
	activityPattern = regexp.MustCompile(`^[a-zA-Z0-9_.$/]+$`)
)

func validatePackage(name string) error {
	if !packagePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid package name %q", types.ErrInvalidArgument, name)
	}
	return nil
}

// InstallApp pushes apkPath to a scratch path on the device and installs it
// with the package manager. The scratch copy is removed whatever happens.
func (f *Facade) InstallApp(ctx context.Context, serial, apkPath string, reinstall, grantPermissions bool) (string, error) {
	info, err := os.Stat(apkPath)
	if err != nil {
		return "", fmt.Errorf("%w: apk %s: %v", types.ErrInvalidArgument, apkPath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", types.ErrInvalidArgument, apkPath)
	}

	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return "", err
	}
	defer release()

	started := time.Now()
	remote := installTempDir + "/droidlink-" + uuid.NewString() + ".apk"
	defer f.removeRemote(ctx, s, remote)

	if err := f.push(ctx, s, apkPath, remote, info.Size()); err != nil {
		return "", err
	}

	cmd := "pm install"
	if reinstall {
		cmd += " -r"
	}
	if grantPermissions {
		cmd += " -g"
	}
	cmd += " " + shellQuote(remote)

	out, err := f.shell(ctx, s, "install", cmd)
	if err == nil && !strings.Contains(out, "Success") {
		err = types.CommandFailed("install", serial, errors.New(strings.TrimSpace(out)))
	}
	f.record(serial, journal.KindInstall, started, err, map[string]interface{}{"apk": filepath.Base(apkPath)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// UninstallApp removes pkg; keepData keeps its data and cache directories.
func (f *Facade) UninstallApp(ctx context.Context, serial, pkg string, keepData bool) (string, error) {
	cmd := "pm uninstall "
	if keepData {
		cmd += "-k "
	}
	return f.appCommand(ctx, serial, "uninstall", pkg, cmd+pkg, requireSuccess)
}

// StartApp launches pkg, either its launcher activity or the given activity.
func (f *Facade) StartApp(ctx context.Context, serial, pkg, activity string) (string, error) {
	cmd := "monkey -p " + pkg + " -c android.intent.category.LAUNCHER 1"
	if activity != "" {
		if !activityPattern.MatchString(activity) {
			return "", fmt.Errorf("%w: invalid activity %q", types.ErrInvalidArgument, activity)
		}
		component := activity
		if !strings.Contains(activity, "/") {
			component = pkg + "/" + activity
		}
		cmd = "am start -n " + shellQuote(component)
	}
	return f.appCommand(ctx, serial, "start", pkg, cmd, func(out string) error {
		for _, marker := range []string{"Error", "No activities found", "monkey aborted"} {
			if strings.Contains(out, marker) {
				return errors.New(strings.TrimSpace(out))
			}
		}
		return nil
	})
}

// StopApp force-stops pkg
func (f *Facade) StopApp(ctx context.Context, serial, pkg string) (string, error) {
	return f.appCommand(ctx, serial, "stop", pkg, "am force-stop "+pkg, nil)
}

// ClearAppData wipes the data of pkg
func (f *Facade) ClearAppData(ctx context.Context, serial, pkg string) (string, error) {
	return f.appCommand(ctx, serial, "clear", pkg, "pm clear "+pkg, requireSuccess)
}

func requireSuccess(out string) error {
	if !strings.Contains(out, "Success") {
		return errors.New(strings.TrimSpace(out))
	}
	return nil
}

func (f *Facade) appCommand(ctx context.Context, serial, op, pkg, cmd string, check func(string) error) (string, error) {
	if err := validatePackage(pkg); err != nil {
		return "", err
	}
	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return "", err
	}
	defer release()

	started := time.Now()
	out, err := f.shell(ctx, s, op, cmd)
	if err == nil && check != nil {
		if cerr := check(out); cerr != nil {
			err = types.CommandFailed(op, serial, cerr)
		}
	}
	f.record(serial, journal.KindApp, started, err, map[string]interface{}{"op": op, "package": pkg})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListPackages lists installed packages. System packages are included only
// when includeSystem is set.
func (f *Facade) ListPackages(ctx context.Context, serial string, includeSystem bool) ([]types.AppPackage, error) {
	s, release, err := f.acquire(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer release()

	cmd := "pm list packages -f"
	if !includeSystem {
		cmd += " -3"
	}
	out, err := f.shell(ctx, s, "list packages", cmd)
	if err != nil {
		return nil, err
	}
	return ParsePackages(out), nil
}

// ParsePackages parses "pm list packages -f" output. Packages installed
// under /data are user packages; everything else is a system package.
func ParsePackages(out string) []types.AppPackage {
	var pkgs []types.AppPackage
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "package:")
		if !ok {
			continue
		}
		// package:/data/app/~~x==/com.example-y==/base.apk=com.example
		i := strings.LastIndex(rest, "=")
		if i <= 0 || i == len(rest)-1 {
			continue
		}
		p := types.AppPackage{Name: rest[i+1:], Path: rest[:i], Type: "system"}
		if strings.HasPrefix(p.Path, "/data/") {
			p.Type = "user"
		}
		pkgs = append(pkgs, p)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs
}
