package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadOverlay applies a YAML overlay file to the store. The file is a
// flat mapping of setting keys to values:
//
//	/devmoded/display/brightness: 60
//	/devmoded/radio/flight_mode: true
//
// A missing file is not an error. Unknown keys and type mismatches are
// logged and skipped so one bad line cannot take the rest down.
func (s *Store) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading overlay: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing overlay %s: %w", path, err)
	}
	for key, val := range raw {
		if err := s.Set(key, val); err != nil {
			slog.Warn("overlay entry skipped", "file", path, "error", err)
		}
	}
	return nil
}

// WatchOverlay reloads the overlay whenever the file changes on disk.
// The reload runs on the daemon loop via post. Watching stops when ctx
// is cancelled. Editors typically replace config files atomically, so
// the watch is on the parent directory rather than the file itself.
func (s *Store) WatchOverlay(ctx context.Context, path string, post func(func())) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				post(func() {
					if err := s.LoadOverlay(path); err != nil {
						slog.Error("overlay reload failed", "file", path, "error", err)
					} else {
						slog.Info("settings overlay reloaded", "file", path)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("overlay watcher error", "error", err)
			}
		}
	}()
	return nil
}
