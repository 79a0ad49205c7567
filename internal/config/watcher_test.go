package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func init() {
	// Keep watcher tests fast.
	debounceDelay = 10 * time.Millisecond
}

type reloadRecorder struct {
	mu      sync.Mutex
	configs []*Config
}

func (r *reloadRecorder) callback(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
}

func (r *reloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

func (r *reloadRecorder) last() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.configs) == 0 {
		return nil
	}
	return r.configs[len(r.configs)-1]
}

func waitForReload(t *testing.T, rec *reloadRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d reloads, got %d", n, rec.count())
}

func TestWatcher_WhenConfigRewritten_ShouldDeliverReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fireside.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	rec := &reloadRecorder{}
	w := NewWatcher(path, nil)
	if err := w.Start(rec.callback); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	cfg := Default()
	cfg.Settings.Model = "renamed-model"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	waitForReload(t, rec, 1)
	if got := rec.last().Settings.Model; got != "renamed-model" {
		t.Errorf("expected reloaded model, got %q", got)
	}
}

func TestWatcher_WhenInvalidContentWritten_ShouldSkipAndRecover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fireside.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	rec := &reloadRecorder{}
	w := NewWatcher(path, nil)
	if err := w.Start(rec.callback); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("{half a write"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Give the debounce a chance to fire on the bad content.
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("invalid content must not be delivered, got %d reloads", rec.count())
	}

	cfg := Default()
	cfg.Settings.Model = "after-recovery"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	waitForReload(t, rec, 1)
	if got := rec.last().Settings.Model; got != "after-recovery" {
		t.Errorf("expected recovery reload, got %q", got)
	}
}

func TestWatcher_WhenOtherFilesChange_ShouldIgnoreThem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fireside.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	rec := &reloadRecorder{}
	w := NewWatcher(path, nil)
	if err := w.Start(rec.callback); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("unrelated files must not trigger reloads, got %d", rec.count())
	}
}

func TestWatcherStart_WhenCalledTwice_ShouldReturnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fireside.json")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	w := NewWatcher(path, nil)
	if err := w.Start(func(*Config) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	if err := w.Start(func(*Config) {}); err == nil {
		t.Error("expected error on double start")
	}
}

func TestWatcherStart_WhenNilCallback_ShouldReturnError(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "x.json"), nil)
	if err := w.Start(nil); err == nil {
		t.Error("expected error for nil callback")
	}
}

func TestWatcherStart_WhenWatcherCreationFails_ShouldReturnError(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "x.json"), nil)
	w.newWatcherFn = func() (*fsnotify.Watcher, error) {
		return nil, errors.New("inotify exhausted")
	}
	if err := w.Start(func(*Config) {}); err == nil {
		t.Error("expected watcher creation error")
	}
}

func TestWatcherStop_WhenNeverStarted_ShouldBeNoOp(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "x.json"), nil)
	w.Stop()
}
