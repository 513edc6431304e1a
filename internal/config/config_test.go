package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
listen:
  postgres_port: 2345
  metrics_port: 2346

defaults:
  min_connections: 2
  max_connections: 20
  idle_timeout: 10m
  acquire_timeout: 10s

pipeline:
  mode: transaction

servers:
  - name: primary
    host: 10.0.0.1
    port: 5432
    primary: true

limit_rules:
  - database: app
    user: all
    max: 10
    server: primary
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 2345 {
		t.Errorf("expected postgres port 2345, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Defaults.MaxConnections != 20 {
		t.Errorf("expected max connections 20, got %d", cfg.Defaults.MaxConnections)
	}
	if cfg.Defaults.IdleTimeout != 10*time.Minute {
		t.Errorf("expected idle timeout 10m, got %v", cfg.Defaults.IdleTimeout)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "primary" {
		t.Fatalf("expected one server named primary, got %+v", cfg.Servers)
	}

	rules, err := cfg.LimitRules()
	if err != nil {
		t.Fatalf("LimitRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Max != 10 || rules[0].ServerIndex != 0 {
		t.Fatalf("unexpected limit rules: %+v", rules)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_SERVER_HOST", "db.internal")
	defer os.Unsetenv("TEST_SERVER_HOST")

	yaml := `
servers:
  - name: primary
    host: ${TEST_SERVER_HOST}
    port: 5432
    primary: true
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Servers[0].Host != "db.internal" {
		t.Errorf("expected host db.internal, got %s", cfg.Servers[0].Host)
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeTemp(t, "servers: []\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.PostgresPort != 2345 {
		t.Errorf("expected default postgres port 2345, got %d", cfg.Listen.PostgresPort)
	}
	if cfg.Defaults.MinConnections != 2 {
		t.Errorf("expected default min connections 2, got %d", cfg.Defaults.MinConnections)
	}
	if cfg.Pipeline.Mode != "transaction" {
		t.Errorf("expected default pipeline mode transaction, got %s", cfg.Pipeline.Mode)
	}
	if cfg.Control.UnixSocketDir != "/tmp" {
		t.Errorf("expected default unix socket dir /tmp, got %s", cfg.Control.UnixSocketDir)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "min gt max",
			yaml: "defaults:\n  min_connections: 30\n  max_connections: 10\n",
		},
		{
			name: "invalid listen port",
			yaml: "listen:\n  postgres_port: 99999\n",
		},
		{
			name: "invalid pipeline mode",
			yaml: "pipeline:\n  mode: bogus\n",
		},
		{
			name: "server missing host",
			yaml: "servers:\n  - name: primary\n    port: 5432\n",
		},
		{
			name: "duplicate server name",
			yaml: "servers:\n  - name: primary\n    host: a\n    port: 5432\n  - name: primary\n    host: b\n    port: 5432\n",
		},
		{
			name: "limit rule unknown server",
			yaml: "limit_rules:\n  - database: app\n    user: all\n    max: 5\n    server: ghost\n",
		},
		{
			name: "limit rule min gt max",
			yaml: "servers:\n  - name: primary\n    host: a\n    port: 5432\n" +
				"limit_rules:\n  - database: app\n    user: all\n    min: 10\n    max: 2\n    server: primary\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadUsers(t *testing.T) {
	yaml := `
- user: alice
  kind: password
  password: s3cret
- user: bob
  kind: md5
  md5_hash: deadbeef
`
	dir := t.TempDir()
	path := filepath.Join(dir, "users.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("writing users file: %v", err)
	}

	store, err := LoadUsers(path)
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if len(store) != 2 {
		t.Fatalf("expected 2 users, got %d", len(store))
	}
	cred, ok := store.Lookup("alice")
	if !ok || cred.PlainPassword != "s3cret" {
		t.Errorf("unexpected alice credential: %+v", cred)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, "listen:\n  postgres_port: 2345\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("listen:\n  postgres_port: 9999\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Listen.PostgresPort != 9999 {
			t.Errorf("expected reloaded port 9999, got %d", cfg.Listen.PostgresPort)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
