package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/pmassist/internal/scope"
)

// PermissionMatrix returns the role matrix the configuration selects: the
// permissions file, else the inline matrix, else the built-in default.
func (c *Config) PermissionMatrix() (scope.Matrix, error) {
	switch {
	case c.Permissions.File != "":
		return LoadMatrix(c.Permissions.File)
	case len(c.Permissions.Matrix) > 0:
		m := c.Permissions.Matrix.Normalize()
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("permissions.matrix: %w", err)
		}
		return m, nil
	default:
		return scope.DefaultMatrix(), nil
	}
}

// LoadMatrix reads a role matrix from a YAML or JSON5 file. The file holds
// the matrix itself, keyed by role then resource.
func LoadMatrix(path string) (scope.Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	raw, err := parseRawBytes([]byte(os.ExpandEnv(string(data))), path)
	if err != nil {
		return nil, fmt.Errorf("parse permissions file %s: %w", path, err)
	}
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse permissions file %s: %w", path, err)
	}
	var m scope.Matrix
	if err := yaml.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parse permissions file %s: %w", path, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("permissions file %s defines no roles", path)
	}
	m = m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("permissions file %s: %w", path, err)
	}
	return m, nil
}

// MatrixWatcher reloads a permissions file when it changes and hands each
// valid matrix to Apply. An invalid file is logged and the previous matrix
// stays in force.
type MatrixWatcher struct {
	Path     string
	Apply    func(scope.Matrix)
	Logger   *slog.Logger
	Debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are seen.
func (w *MatrixWatcher) Start(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.Debounce <= 0 {
		w.Debounce = 250 * time.Millisecond
	}
	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	w.Path = abs

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *MatrixWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *MatrixWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.Debounce, w.reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.Path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Warn("permissions watch error", "error", err)
		}
	}
}

func (w *MatrixWatcher) reload() {
	m, err := LoadMatrix(w.Path)
	if err != nil {
		w.Logger.Warn("permissions reload rejected, keeping previous matrix", "path", w.Path, "error", err)
		return
	}
	w.Apply(m)
	w.Logger.Info("permissions reloaded", "path", w.Path, "roles", len(m))
}
