package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatchReloads(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Config, 4)
	errs := make(chan error, 4)
	done := make(chan error, 1)
	onChange := func(c Config) {
		select {
		case changes <- c:
		default:
		}
	}
	onError := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	go func() { done <- Watch(ctx, p, onChange, onError) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	// Rewrite until the watcher is registered and reports the change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-changes:
			// A reload can observe a partially written file.
			if c.LogLevel == "debug" {
				return
			}
		case <-errs:
		case <-tick.C:
			if err := os.WriteFile(p, []byte("log_level: debug\n"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestWatchMissingDir(t *testing.T) {
	err := Watch(context.Background(), "/definitely/not/here/cfg.yaml", func(Config) {}, nil)
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
