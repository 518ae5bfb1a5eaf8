package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/chanq/internal/config"
	"github.com/nuetzliches/chanq/internal/queue"
)

func TestParseRunFlags_Defaults(t *testing.T) {
	o, err := parseRunFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if o.configPath != "./chanq.yaml" || o.workers != 1 || o.lock != 30*time.Second {
		t.Fatalf("defaults=%+v", o)
	}
	if len(o.command) != 0 {
		t.Fatalf("command=%v, want none", o.command)
	}
}

func TestParseRunFlags_Command(t *testing.T) {
	o, err := parseRunFlags([]string{"--workers", "4", "--retry-max", "0", "--", "./handle.sh", "--verbose"}, io.Discard)
	if err != nil {
		t.Fatalf("parseRunFlags: %v", err)
	}
	if o.workers != 4 || o.retry.Max != 0 {
		t.Fatalf("opts=%+v", o)
	}
	if len(o.command) != 2 || o.command[0] != "./handle.sh" || o.command[1] != "--verbose" {
		t.Fatalf("command=%v", o.command)
	}
}

func TestParseRunFlags_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"--workers", "0"},
		{"--lock", "0s"},
		{"--bogus"},
	} {
		if _, err := parseRunFlags(args, io.Discard); err == nil {
			t.Fatalf("parseRunFlags(%v): expected error", args)
		}
	}
}

func writeConfigFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestReloadPolicies(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chanq.yaml")
	store := queue.NewMemoryStore()
	running := config.StoreConfig{Backend: config.BackendMemory}

	writeConfigFile(t, path, "store:\n  backend: memory\nchannels:\n  - name: a\n    max_size: 10\n")
	if !reloadPolicies(ctx, path, running, store, newTestLogger(), "test") {
		t.Fatalf("reload failed")
	}
	got, _ := store.ListPolicies(ctx)
	if len(got) != 1 || got[0].Channel != "a" || *got[0].MaxSize != 10 {
		t.Fatalf("policies=%+v", got)
	}

	writeConfigFile(t, path, "store:\n  backend: memory\nchannels:\n  - name: a\n    max_size: -3\n")
	if reloadPolicies(ctx, path, running, store, newTestLogger(), "test") {
		t.Fatalf("reload of invalid config succeeded")
	}
	got, _ = store.ListPolicies(ctx)
	if len(got) != 1 || *got[0].MaxSize != 10 {
		t.Fatalf("invalid reload changed policies: %+v", got)
	}

	writeConfigFile(t, path, "store:\n  backend: memory\n")
	if !reloadPolicies(ctx, path, running, store, newTestLogger(), "test") {
		t.Fatalf("reload failed")
	}
	if got, _ = store.ListPolicies(ctx); len(got) != 0 {
		t.Fatalf("policies=%+v, want cleared", got)
	}
}

func TestWatchConfig_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chanq.yaml")
	writeConfigFile(t, path, "store:\n  backend: memory\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan struct{})
	go func() {
		watchConfig(ctx, path, newTestLogger(), func() { reloads.Add(1) })
		close(done)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	writeConfigFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	for i := 0; i < 3; i++ {
		writeConfigFile(t, path, "store:\n  backend: memory\n")
	}

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(2 * watchDebounce)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads=%d, want 1", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("watchConfig did not stop")
	}
}
