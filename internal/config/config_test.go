package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.StoreBackend != "redis" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ProverTimeout().Hours() != 1 {
		t.Fatalf("prover timeout %v", cfg.ProverTimeout())
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "redis_addr: file-redis:6379\nfrontend_base_url: https://file.example.com\nwalrus_epochs: 9\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CS_CONFIG_FILE", path)
	t.Setenv("CS_REDIS_ADDR", "env-redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env beats file, file beats defaults.
	if cfg.RedisAddr != "env-redis:6379" {
		t.Fatalf("redis addr %s", cfg.RedisAddr)
	}
	if cfg.FrontendBaseURL != "https://file.example.com" || cfg.WalrusEpochs != 9 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DefaultEmailDomain != "gmail.com" {
		t.Fatalf("default lost: %s", cfg.DefaultEmailDomain)
	}
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	t.Setenv("CS_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing named config file")
	}
}

func TestLoadBadEnvValuesFallBack(t *testing.T) {
	t.Setenv("CS_WALRUS_EPOCHS", "not-a-number")
	t.Setenv("CS_S3_USE_SSL", "maybe")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WalrusEpochs != 5 || cfg.S3UseSSL {
		t.Fatalf("bad env values should fall back: %+v", cfg)
	}
}
