package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"Droidlink/pkg/logging"
)

const watcherDebounce = 300 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands the
// validated result to a callback. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	mu       sync.Mutex
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
	}
}

// Start begins watching. The parent directory is watched so that editors
// which save via rename are picked up too.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})

	logging.Info("config").Str("path", w.path).Msg("Watching config file")

	go w.watch(watcher, w.stopCh)
	return nil
}

// Stop stops watching
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		close(w.stopCh)
		w.watcher.Close()
		w.watcher = nil
	}
}

func (w *Watcher) watch(watcher *fsnotify.Watcher, stopCh chan struct{}) {
	var debounceTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config").Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.Warn("config").Err(err).Str("path", w.path).Msg("Ignoring invalid config change")
		return
	}
	logging.Info("config").Str("path", w.path).Msg("Config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
