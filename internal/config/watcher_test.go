package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proteus.yaml")
	writeConfigFile(t, path, "playback:\n  volume: 0.25\n")

	var mu sync.Mutex
	var got *Config
	w, err := NewWatcher(path, func(_, next *Config) {
		mu.Lock()
		got = next
		mu.Unlock()
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if v := w.Current().Playback.Volume; v != 0.25 {
		t.Fatalf("initial volume = %v, want 0.25", v)
	}

	// Backdate the mtime check by rewriting with different content.
	time.Sleep(30 * time.Millisecond)
	writeConfigFile(t, path, "playback:\n  volume: 0.75\n")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := got != nil && got.Playback.Volume == 0.75
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not report the change")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if v := w.Current().Playback.Volume; v != 0.75 {
		t.Errorf("Current volume = %v, want 0.75", v)
	}
}

func TestWatcherKeepsOldConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proteus.yaml")
	writeConfigFile(t, path, "playback:\n  volume: 0.5\n")

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	writeConfigFile(t, path, "playback:\n  volume: 9\n") // out of range

	time.Sleep(100 * time.Millisecond)
	if v := w.Current().Playback.Volume; v != 0.5 {
		t.Errorf("invalid reload replaced config: volume = %v", v)
	}
}

func TestWatcherMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("missing file did not error")
	}
}
