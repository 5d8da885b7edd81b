package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
}

func TestLoadRequiresEndpointAndCredential(t *testing.T) {
	t.Setenv("SOLANA_RPC_URL", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without SOLANA_RPC_URL")
	}

	t.Setenv("SOLANA_RPC_URL", "https://rpc.example")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without any llm credential")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	if _, err := Load(); err != nil {
		t.Fatalf("openai credential alone should satisfy load: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 3000 {
		t.Fatalf("port=%d", cfg.APIPort)
	}
	if cfg.DiscoveryInterval != 5*time.Minute {
		t.Fatalf("interval=%s", cfg.DiscoveryInterval)
	}
	if cfg.Concurrency != 1 {
		t.Fatalf("concurrency=%d", cfg.Concurrency)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("dataDir=%q", cfg.DataDir)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("API_PORT", "8080")
	t.Setenv("AGENT_DISCOVERY_INTERVAL_MS", "1500")
	t.Setenv("AGENT_CONCURRENCY", "4")
	t.Setenv("DATA_DIR", "/tmp/soldocs")
	t.Setenv("WEBHOOK_URL", "https://hooks.example/done")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 8080 || cfg.Concurrency != 4 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.DiscoveryInterval != 1500*time.Millisecond {
		t.Fatalf("interval=%s", cfg.DiscoveryInterval)
	}
	if cfg.WebhookURL != "https://hooks.example/done" || cfg.DataDir != "/tmp/soldocs" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadFallsBackOnGarbageNumerics(t *testing.T) {
	setRequired(t)
	t.Setenv("API_PORT", "not-a-port")
	t.Setenv("AGENT_DISCOVERY_INTERVAL_MS", "soon")
	t.Setenv("AGENT_CONCURRENCY", "-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIPort != 3000 {
		t.Fatalf("port=%d", cfg.APIPort)
	}
	if cfg.DiscoveryInterval != 5*time.Minute {
		t.Fatalf("interval=%s", cfg.DiscoveryInterval)
	}
	if cfg.Concurrency != 1 {
		t.Fatalf("concurrency floor: %d", cfg.Concurrency)
	}
}
