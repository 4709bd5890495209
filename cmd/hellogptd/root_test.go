package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zackledotcom/hellogpt/internal/config"
	"github.com/zackledotcom/hellogpt/internal/httpapi"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest","size":42}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckConnected(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "check", "--base-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("check: %v (%s)", err, out)
	}
	if !strings.Contains(out, `"connected"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestCheckUnreachable(t *testing.T) {
	srv := fakeServer(t)
	url := srv.URL
	srv.Close()
	if _, err := run(t, "check", "--base-url", url+"/api"); err == nil {
		t.Fatalf("expected error for unreachable server")
	}
}

func TestModels(t *testing.T) {
	srv := fakeServer(t)
	t.Setenv("HELLOGPT_BASE_URL", srv.URL+"/api")
	out, err := run(t, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if strings.TrimSpace(out) != "llama3:latest\t42" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestConfigPrintsEffectiveValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hellogpt.toml")
	if err := os.WriteFile(path, []byte("default_model = \"mistral\"\nmax_delay = \"45s\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := run(t, "config", "--config", path, "--log-level", "debug")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"default_model: mistral", "max_delay: 45s", "log_level: debug"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestConfigFoundInUserDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "hellogpt"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hellogpt", "config.yaml"), []byte("default_model: phi3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out.String(), "default_model: phi3") {
		t.Fatalf("user config not picked up:\n%s", out.String())
	}
}

func TestConfigRejectsBadLevel(t *testing.T) {
	if _, err := run(t, "config", "--log-level", "loud"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBridgeTimeoutIsNotPerCallTimeout(t *testing.T) {
	t.Cleanup(func() { httpapi.SetMessageTimeout(0) })
	cfg := config.Defaults()
	cfg.RequestTimeout = config.Duration(200 * time.Millisecond)
	configureBridge(context.Background(), cfg, zerolog.Nop())
	if got := httpapi.MessageTimeout(); got != 0 {
		t.Fatalf("bridge bounded by request_timeout: %v", got)
	}

	cfg.BridgeTimeout = config.Duration(90 * time.Second)
	configureBridge(context.Background(), cfg, zerolog.Nop())
	if got := httpapi.MessageTimeout(); got != 90*time.Second {
		t.Fatalf("bridge_timeout not applied: %v", got)
	}
}

func TestClientConfigCarriesFallbackModels(t *testing.T) {
	cfg := config.Defaults()
	cfg.FallbackModels = []string{"mistral", "codellama"}
	cc := clientConfig(cfg, zerolog.Nop())
	if strings.Join(cc.FallbackModels, ",") != "mistral,codellama" {
		t.Fatalf("fallback models %v", cc.FallbackModels)
	}
}
