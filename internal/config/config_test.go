package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadWithEnv(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	// Point at a directory without a config file so only env applies.
	t.Setenv("GATEWAY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	for k, v := range env {
		t.Setenv(k, v)
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWithEnv(t, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Timeouts.Decryption != DefaultDecryptionTimeout {
		t.Fatalf("decryption timeout = %s, want %s", cfg.Timeouts.Decryption, DefaultDecryptionTimeout)
	}
	if cfg.Timeouts.Member != DefaultMemberTimeout {
		t.Fatalf("member timeout = %s, want %s", cfg.Timeouts.Member, DefaultMemberTimeout)
	}
	if cfg.Database.Driver != "" {
		t.Fatalf("driver = %q, want empty (memory store)", cfg.Database.Driver)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := loadWithEnv(t, map[string]string{
		"SERVER_PORT":         "9090",
		"DECRYPTION_TIMEOUT":  "48h",
		"ORACLE_TRUSTED_KEYS": "key-a, key-b",
		"REFUND_FLAT_AMOUNT":  "250",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Timeouts.Decryption != 48*time.Hour {
		t.Fatalf("decryption timeout = %s, want 48h", cfg.Timeouts.Decryption)
	}
	if len(cfg.Oracle.TrustedKeys) != 2 || cfg.Oracle.TrustedKeys[1] != "key-b" {
		t.Fatalf("trusted keys = %v", cfg.Oracle.TrustedKeys)
	}
	if cfg.Refund.FlatAmount != 250 {
		t.Fatalf("flat amount = %d, want 250", cfg.Refund.FlatAmount)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
server:
  port: 7001
timeouts:
  decryption: 24h
oracle:
  trusted_keys: ["yaml-key"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("GATEWAY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Fatalf("port = %d, want 7001", cfg.Server.Port)
	}
	if cfg.Timeouts.Decryption != 24*time.Hour {
		t.Fatalf("decryption timeout = %s, want 24h", cfg.Timeouts.Decryption)
	}
	if len(cfg.Oracle.TrustedKeys) != 1 || cfg.Oracle.TrustedKeys[0] != "yaml-key" {
		t.Fatalf("trusted keys = %v", cfg.Oracle.TrustedKeys)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	if _, err := loadWithEnv(t, map[string]string{"SERVER_PORT": "70000"}); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	if _, err := loadWithEnv(t, map[string]string{"DATABASE_DRIVER": "postgres"}); err == nil {
		t.Fatal("expected error for driver without dsn")
	}
}
