// Package rulesource loads rule definitions from a directory of JSON files
// and reloads them when the files change. It backs the server's RULES_DIR
// mode, where no database is configured.
package rulesource

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounceInterval = 100 * time.Millisecond

// FileSource reads rule definitions from *.json files under a directory.
// The configuration path of each definition is the file's path relative to
// the directory with the .json suffix stripped, so "abc/site_title.json"
// defines "abc/site_title".
type FileSource struct {
	dir      string
	logger   *slog.Logger
	debounce *debouncer
}

// NewFileSource creates a file source rooted at dir.
func NewFileSource(dir string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		dir:      dir,
		logger:   logger,
		debounce: newDebouncer(defaultDebounceInterval),
	}
}

// Load walks the directory and returns the raw rule list of every *.json
// file keyed by configuration path. Paths are lowercased; hidden files and
// directories are skipped.
func (s *FileSource) Load() (map[string]json.RawMessage, error) {
	definitions := make(map[string]json.RawMessage)

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != s.dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule file %q: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("rule file %q: invalid JSON", path)
		}

		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return fmt.Errorf("relativize rule file %q: %w", path, err)
		}
		key := strings.ToLower(filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel))))
		definitions[key] = json.RawMessage(data)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load rules from %q: %w", s.dir, err)
	}

	return definitions, nil
}

// Watch blocks until ctx is cancelled, invoking onChange after rule files
// under the directory change. Rapid bursts of events are debounced into a
// single callback.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	defer s.debounce.stop()

	if err := addDirectories(watcher, s.dir); err != nil {
		return fmt.Errorf("watch %q: %w", s.dir, err)
	}

	s.logger.Info("watching rule directory", slog.String("dir", s.dir))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !s.shouldProcess(event) {
				continue
			}

			// New subdirectories need to be added to the watch set.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirectories(watcher, event.Name); err != nil {
						s.logger.Warn("failed to watch new directory",
							slog.String("dir", event.Name),
							slog.String("error", err.Error()),
						)
					}
				}
			}

			s.debounce.trigger(func() {
				s.logger.Info("rule files changed, reloading",
					slog.String("path", event.Name),
					slog.String("op", event.Op.String()),
				)
				onChange()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			s.logger.Error("rule watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *FileSource) shouldProcess(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	// Directory events carry no extension but may introduce new rule files.
	ext := strings.ToLower(filepath.Ext(event.Name))
	return ext == ".json" || ext == ""
}

func addDirectories(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watch directory %q: %w", path, err)
			}
		}
		return nil
	})
}

// debouncer collapses rapid event bursts into a single callback after a
// quiet period.
type debouncer struct {
	interval time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		cb := d.callback
		stopped := d.stopped
		d.mu.Unlock()

		if cb != nil && !stopped {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
