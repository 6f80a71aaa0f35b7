package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("RTLAGENT_CONFIG", "")
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("got %q", got)
	}
	if got := resolveConfigPath(""); got != "rtlagent.yaml" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("RTLAGENT_CONFIG", "/etc/rtlagent.yaml")
	if got := resolveConfigPath(""); got != "/etc/rtlagent.yaml" {
		t.Fatalf("got %q", got)
	}
	if got := resolveConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Fatalf("flag should win, got %q", got)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("RTLAGENT_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("rtlagent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Fatalf("port = %d", cfg.Server.HTTPPort)
	}
}

func TestLoadConfigExplicitFileMustExist(t *testing.T) {
	t.Setenv("RTLAGENT_CONFIG", "")
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	t.Setenv("RTLAGENT_CONFIG", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "rtlagent.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 9191\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPPort != 9191 {
		t.Fatalf("port = %d", cfg.Server.HTTPPort)
	}
}
