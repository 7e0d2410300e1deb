package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a config file for changes and reloads it with
// LoadWithFile, notifying subscribers with the freshly validated Config.
// Reload errors are reported through OnError instead of replacing the
// last-known-good config, so a bad edit never takes a running process
// down to a broken state.
type Watcher struct {
	path string

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	done    chan struct{}
	OnReload func(*Config)
	OnError  func(error)
}

// NewWatcher builds a Watcher for the resolved config file path. path must
// be the same path passed to LoadWithFile (empty resolves to the default
// user config path).
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving default config path: %w", err)
		}
		path = filepath.Join(home, ".config", "memoryd", "config.yaml")
	}
	return &Watcher{path: path}, nil
}

// Start begins watching the config file's directory for writes. fsnotify
// watches directories rather than files directly because editors commonly
// replace a file (write-rename) rather than writing it in place, which
// drops a direct file watch.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return fmt.Errorf("config: watcher already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating file watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := LoadWithFile(w.path)
			if err != nil {
				if w.OnError != nil {
					w.OnError(fmt.Errorf("config: reload failed, keeping previous config: %w", err))
				}
				continue
			}
			if w.OnReload != nil {
				w.OnReload(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.OnError != nil {
				w.OnError(fmt.Errorf("config: watcher error: %w", err))
			}
		}
	}
}

// Stop stops watching and releases the underlying inotify/kqueue handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw == nil {
		return nil
	}
	close(w.done)
	err := w.fsw.Close()
	w.fsw = nil
	return err
}
