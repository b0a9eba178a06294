package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port != 18790 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AgentBaseURL != "http://localhost:8000" {
		t.Fatalf("agentBaseURL = %q", cfg.Gateway.AgentBaseURL)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// a comment, because it's json5
		gateway: { host: "127.0.0.1", port: 9001, agent_base_url: "http://agent:8000" },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9001 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.AgentBaseURL != "http://agent:8000" {
		t.Fatalf("agentBaseURL = %q", cfg.Gateway.AgentBaseURL)
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("GOCLAW_HOST", "0.0.0.0")
	t.Setenv("GOCLAW_PORT", "7777")
	t.Setenv("GOCLAW_POSTGRES_DSN", "postgres://test")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 7777 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Database.PostgresDSN != "postgres://test" {
		t.Fatalf("dsn = %q", cfg.Database.PostgresDSN)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := Default()
	b := Default()
	b.Gateway.Port = 9999

	if a.Hash() == b.Hash() {
		t.Fatalf("expected different hashes for different configs")
	}
	if a.Hash() != Default().Hash() {
		t.Fatalf("expected stable hash for identical configs")
	}
}
