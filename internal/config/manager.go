package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long file events must quiesce before a reload.
// Editors and configmap mounts fire several events per save.
const reloadSettle = 500 * time.Millisecond

// Manager serves the live configuration. Readers get lock-free
// snapshots; Watch swaps reloaded configs in atomically.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu      sync.Mutex
	subs    []func(*Config)
	watcher *fsnotify.Watcher
}

// NewManager loads the file at path and returns a manager serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// Get returns the current config snapshot.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Subscribe registers fn to run after every successful reload.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Watch reloads the config whenever the file changes, until ctx ends.
// The parent directory is watched rather than the file itself so that
// rename-based updates keep working after the inode is replaced.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()

	go m.loop(ctx, w)
	return nil
}

func (m *Manager) loop(ctx context.Context, w *fsnotify.Watcher) {
	settle := time.NewTimer(reloadSettle)
	if !settle.Stop() {
		<-settle.C
	}

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			w.Close()
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !settle.Stop() {
				select {
				case <-settle.C:
				default:
				}
			}
			settle.Reset(reloadSettle)

		case <-settle.C:
			m.reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watch error", "path", m.path, "error", err)
		}
	}
}

// reload parses the file and swaps it in. A file that fails to load or
// validate leaves the current config untouched.
func (m *Manager) reload() {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload rejected", "path", m.path, "error", err)
		return
	}
	m.current.Store(cfg)
	m.logger.Info("config reloaded", "path", m.path)

	m.mu.Lock()
	subs := make([]func(*Config), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// Close stops the watcher, if one was started.
func (m *Manager) Close() error {
	m.mu.Lock()
	w := m.watcher
	m.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
