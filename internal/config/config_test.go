package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, errLoad := Load("")
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Listen != ":8000" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Upstream != "https://api.openai.com" {
		t.Fatalf("upstream = %q", cfg.Upstream)
	}
	if cfg.Store.DSN != "data/opencatd.db" {
		t.Fatalf("store dsn = %q", cfg.Store.DSN)
	}
	if cfg.Log.Level != "info" || cfg.Log.MaxSizeMB != 100 || cfg.Log.MaxBackups != 3 || cfg.Log.MaxAgeDays != 28 {
		t.Fatalf("log defaults = %+v", cfg.Log)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "listen: \":9000\"\nupstream: \"https://example.test\"\nstore:\n  dsn: \"mem://\"\nlog:\n  level: debug\npricing:\n  file: /etc/opencatd/pricing.yaml\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Listen != ":9000" || cfg.Upstream != "https://example.test" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Store.DSN != "mem://" {
		t.Fatalf("store dsn = %q", cfg.Store.DSN)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.Pricing.File != "/etc/opencatd/pricing.yaml" {
		t.Fatalf("pricing file = %q", cfg.Pricing.File)
	}
	// Unset fields still pick up defaults.
	if cfg.Log.MaxSizeMB != 100 {
		t.Fatalf("max size = %d", cfg.Log.MaxSizeMB)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPENCATD_LISTEN", ":7000")
	t.Setenv("OPENCATD_UPSTREAM", "https://override.test")
	t.Setenv("OPENCATD_STORE_DSN", "redis://localhost:6379/0")

	cfg, errLoad := Load(path)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	if cfg.Listen != ":7000" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Upstream != "https://override.test" {
		t.Fatalf("upstream = %q", cfg.Upstream)
	}
	if cfg.Store.DSN != "redis://localhost:6379/0" {
		t.Fatalf("store dsn = %q", cfg.Store.DSN)
	}
}

func TestLoadRejectsBadUpstream(t *testing.T) {
	t.Setenv("OPENCATD_UPSTREAM", "no-scheme-or-host")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
