package cache

import (
	"os"
	"testing"
	"time"
)

func TestServicePersistsKnownDevices(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	base := time.Unix(1700000000, 0)
	s.Touch("10.0.0.5:5555", base)
	s.Touch("10.0.0.6:5555", base.Add(time.Minute))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reloaded, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() reload error = %v", err)
	}
	known := reloaded.Known()
	if len(known) != 2 {
		t.Fatalf("Known() returned %d devices, want 2", len(known))
	}
	if known[0].Serial != "10.0.0.6:5555" {
		t.Errorf("Known()[0] = %q, want most recent first", known[0].Serial)
	}
	if got := reloaded.GetLastActive("10.0.0.5:5555"); got != base.Unix() {
		t.Errorf("GetLastActive() = %d, want %d", got, base.Unix())
	}
}

func TestServiceForget(t *testing.T) {
	s, err := New(Config{ConfigDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Touch("10.0.0.5:5555", time.Now())
	s.SetPinnedSerial("10.0.0.5:5555")

	s.Forget("10.0.0.5:5555")
	s.Forget("never-seen")

	if n := len(s.Known()); n != 0 {
		t.Errorf("Known() has %d devices after Forget, want 0", n)
	}
	if p := s.GetPinnedSerial(); p != "" {
		t.Errorf("pinned serial = %q, want cleared", p)
	}
}

func TestServicePinnedFirst(t *testing.T) {
	s, err := New(Config{ConfigDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.SetLastActive("old:5555", 100)
	s.SetLastActive("new:5555", 200)
	s.SetPinnedSerial("old:5555")

	known := s.Known()
	if known[0].Serial != "old:5555" {
		t.Errorf("Known()[0] = %q, want pinned device first", known[0].Serial)
	}
}

func TestServiceIgnoresCorruptSettings(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/settings.json", []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{ConfigDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if n := len(s.Known()); n != 0 {
		t.Errorf("Known() = %d devices, want 0", n)
	}
}

func TestServicePinnedNeverConnected(t *testing.T) {
	s, err := New(Config{ConfigDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.SetLastActive("a:5555", 100)
	s.SetPinnedSerial("b:5555")

	known := s.Known()
	if len(known) != 2 || known[0].Serial != "b:5555" {
		t.Errorf("Known() = %+v, want pinned device first", known)
	}
}
