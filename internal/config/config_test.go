package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AEGIS_JWT_SECRET", "secret")
	t.Setenv("AEGIS_RELAY_SHARED_KEY", "relay-key")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Fatalf("expected sqlite default driver, got %s", cfg.StoreDriver)
	}
	if cfg.StatusCacheTTL != 3*time.Second {
		t.Fatalf("unexpected cache ttl: %s", cfg.StatusCacheTTL)
	}
	if cfg.FlushInterval != 5*time.Second || cfg.ReapInterval != 3*time.Second {
		t.Fatalf("unexpected job intervals: flush=%s reap=%s", cfg.FlushInterval, cfg.ReapInterval)
	}
	if cfg.ZombieTimeout != 10*time.Second {
		t.Fatalf("unexpected zombie timeout: %s", cfg.ZombieTimeout)
	}
	if cfg.NodeSource != "file" || cfg.NodesFile != "./nodes.yaml" {
		t.Fatalf("unexpected node source defaults: %s %s", cfg.NodeSource, cfg.NodesFile)
	}
}

func TestLoadFromEnvDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("AEGIS_ZOMBIE_TIMEOUT", "20")
	t.Setenv("AEGIS_FLUSH_INTERVAL", "750ms")
	t.Setenv("AEGIS_REAP_INTERVAL", "bogus")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv returned err: %v", err)
	}
	if cfg.ZombieTimeout != 20*time.Second {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.ZombieTimeout)
	}
	if cfg.FlushInterval != 750*time.Millisecond {
		t.Fatalf("expected duration to parse, got %s", cfg.FlushInterval)
	}
	if cfg.ReapInterval != 3*time.Second {
		t.Fatalf("expected invalid value to fall back, got %s", cfg.ReapInterval)
	}
}

func TestLoadFromEnvValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "postgres needs url",
			env:     map[string]string{"AEGIS_STORE_DRIVER": "postgres"},
			wantErr: "AEGIS_DATABASE_URL",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"AEGIS_STORE_DRIVER": "mysql"},
			wantErr: "AEGIS_STORE_DRIVER",
		},
		{
			name:    "static nodes required",
			env:     map[string]string{"AEGIS_NODE_SOURCE": "static"},
			wantErr: "AEGIS_STATIC_NODES",
		},
		{
			name:    "zombie timeout must exceed reap interval",
			env:     map[string]string{"AEGIS_ZOMBIE_TIMEOUT": "2s"},
			wantErr: "AEGIS_ZOMBIE_TIMEOUT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromEnvRequiresSecrets(t *testing.T) {
	t.Setenv("AEGIS_JWT_SECRET", "")
	t.Setenv("AEGIS_RELAY_SHARED_KEY", "relay-key")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected missing jwt secret to fail")
	}
}

func TestParseKVMap(t *testing.T) {
	got := parseKVMap("node-a=Frankfurt, node-b = Tokyo ,broken,=x")
	if len(got) != 2 || got["node-a"] != "Frankfurt" || got["node-b"] != "Tokyo" {
		t.Fatalf("unexpected map: %+v", got)
	}
}
