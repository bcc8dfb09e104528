// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on write and hands the parsed result to
// OnReload, debounced so a burst of saves from an editor only triggers
// one reload. It is grounded on the teacher's internal/mcp/watcher.go,
// narrowed from per-server multi-path watching to a single config file.
//
// Per spec §10.1, only non-structural knobs (queue/concurrency/timeout
// tunables) are meant to take effect live; a changed flow topology or
// governance allow-list still requires a restart, so OnReload is the
// caller's chance to apply only the fields it considers safe to hot-swap.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	logger    *slog.Logger

	debounceDelay time.Duration

	mu      sync.Mutex
	pending *time.Timer

	onReload func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Path          string
	OnReload      func(*Config)
	Logger        *slog.Logger
	DebounceDelay time.Duration // defaults to 200ms
}

// NewWatcher starts watching cfg.Path for changes.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config: watcher requires a path")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("config: watcher requires OnReload")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("config: resolve %s: %w", cfg.Path, err)
	}
	// Watch the containing directory, not the file itself: editors commonly
	// replace a file via rename rather than in-place write, which drops a
	// direct watch on the old inode.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		logger:        logger,
		debounceDelay: debounceDelay,
		onReload:      cfg.OnReload,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			changed, err := filepath.Abs(event.Name)
			if err != nil || changed != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg := Default()
	if err := cfg.loadFromFile(w.path); err != nil {
		w.logger.Warn("config reload: file unreadable, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload: new configuration invalid, keeping previous configuration", "path", w.path, "error", err)
		return
	}
	w.onReload(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}
