package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatd/internal/config"
	"chatd/pkg/types"
)

// captureServe replaces runServe for the duration of the test.
func captureServe(t *testing.T) *config.Config {
	t.Helper()
	got := &config.Config{}
	prev := runServe
	runServe = func(ctx context.Context, cfg config.Config) error {
		if ctx == nil {
			t.Error("nil context")
		}
		*got = cfg
		return nil
	}
	t.Cleanup(func() { runServe = prev })
	return got
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRoot_DefaultsWithoutFile(t *testing.T) {
	got := captureServe(t)
	if _, err := execute(t); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Addr != "0.0.0.0:5000" || got.MetricsAddr != ":8000" {
		t.Fatalf("addrs: %q %q", got.Addr, got.MetricsAddr)
	}
	if got.MaxLength != 100 || got.NgramSize() != 2 || got.NumReturnSequences != 1 {
		t.Fatalf("generation params: %+v", got)
	}
	if got.Concurrency() != 1 {
		t.Fatalf("concurrency=%d", got.Concurrency())
	}
}

func TestRoot_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatd.yaml")
	body := "addr: \":7000\"\nmetrics_addr: \":7001\"\nmodel: file-model\nlog_level: warn\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CHATD_METRICS_ADDR", ":9100")
	t.Setenv("CHATD_MODEL", "env-model")

	got := captureServe(t)
	if _, err := execute(t, "-c", path, "--model", "flag-model", "--max-concurrent", "0"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Addr != ":7000" {
		t.Fatalf("file addr lost: %q", got.Addr)
	}
	if got.MetricsAddr != ":9100" {
		t.Fatalf("env should beat file: %q", got.MetricsAddr)
	}
	if got.Model != "flag-model" {
		t.Fatalf("flag should beat env: %q", got.Model)
	}
	if got.LogLevel != "warn" {
		t.Fatalf("log level: %q", got.LogLevel)
	}
	if got.Concurrency() != 0 {
		t.Fatalf("explicit --max-concurrent 0 ignored: %d", got.Concurrency())
	}
}

func TestRoot_InvalidConfig(t *testing.T) {
	captureServe(t)
	if _, err := execute(t, "--backend", "openai"); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("openai without base_url: err=%v", err)
	}
	if _, err := execute(t, "-c", filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestModelsCmd(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b-Q4_K_M.gguf", "a.gguf", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	out, err := execute(t, "models", "--models-dir", dir)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	want := "a.gguf\nb-Q4_K_M.gguf\tQ4_K_M\n"
	if out != want {
		t.Fatalf("out=%q want %q", out, want)
	}

	out, err = execute(t, "models", "--models-dir", dir, "--json")
	if err != nil {
		t.Fatalf("models --json: %v", err)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("json: %v\n%s", err, out)
	}
	if len(resp.Models) != 2 || resp.Models[0].ID != "a.gguf" {
		t.Fatalf("models=%+v", resp.Models)
	}
}

func TestModelsCmd_MissingDir(t *testing.T) {
	if _, err := execute(t, "models", "--models-dir", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected scan error")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "chatd ") || !strings.Contains(out, "openai") {
		t.Fatalf("out=%q", out)
	}
}
