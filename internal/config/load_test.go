package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
user:
  name: ivan
dispatch:
  channel: log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.User.Name != "ivan" {
		t.Fatalf("user = %q", cfg.User.Name)
	}
	if cfg.Engine.PassInterval != "15m" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8090" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
user:
  name: ivan
dispatch:
  channel: log
  wrokers: 3
`)
	if _, err := Load(path); err == nil {
		t.Fatal("typo key must be rejected")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing user",
			"dispatch:\n  channel: log\n",
			"user.name",
		},
		{
			"telegram channel without token",
			"user:\n  name: ivan\n",
			"telegram.token",
		},
		{
			"kafka without brokers",
			"user:\n  name: ivan\ndispatch:\n  channel: log\nkafka:\n  enabled: true\n",
			"kafka.brokers",
		},
		{
			"bad pass interval",
			"user:\n  name: ivan\ndispatch:\n  channel: log\nengine:\n  pass_interval: soon\n",
			"pass_interval",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
