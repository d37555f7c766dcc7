package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeServe {
		t.Errorf("default mode: got %q, want serve", cfg.Mode)
	}
	if cfg.YouTube.Polling.BaseIntervalSeconds != 15 {
		t.Errorf("default base interval: got %v", cfg.YouTube.Polling.BaseIntervalSeconds)
	}
	if !cfg.YouTube.Polling.Enabled {
		t.Error("polling should be enabled by default")
	}
}

func TestLoad_jsonFile(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{
		"Mode": "read",
		"Stream": {"Source": "http://printer:8080/?action=stream"},
		"YouTube": {"Polling": {"BaseIntervalSeconds": 20}}
	}`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "read" {
		t.Errorf("mode: got %q", cfg.Mode)
	}
	if cfg.Stream.Source != "http://printer:8080/?action=stream" {
		t.Errorf("source: got %q", cfg.Stream.Source)
	}
	if cfg.YouTube.Polling.BaseIntervalSeconds != 20 {
		t.Errorf("base interval: got %v", cfg.YouTube.Polling.BaseIntervalSeconds)
	}
	// Untouched sections keep defaults.
	if cfg.YouTube.Polling.MaxIntervalSeconds != 60 {
		t.Errorf("max interval should keep default, got %v", cfg.YouTube.Polling.MaxIntervalSeconds)
	}
}

func TestLoad_yamlFile(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", "Mode: read\nStream:\n  Source: http://cam/stream\n")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stream.Source != "http://cam/stream" {
		t.Errorf("source: got %q", cfg.Stream.Source)
	}
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{"YouTube": {"Polling": {"BaseIntervalSeconds": 20}}}`)
	t.Setenv("YouTube__Polling__BaseIntervalSeconds", "25")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.YouTube.Polling.BaseIntervalSeconds != 25 {
		t.Errorf("env should override file: got %v", cfg.YouTube.Polling.BaseIntervalSeconds)
	}
}

func TestLoad_cliOverridesEnv(t *testing.T) {
	t.Setenv("YouTube__Polling__BaseIntervalSeconds", "25")

	cfg, err := Load("", []string{"--YouTube:Polling:BaseIntervalSeconds=30"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.YouTube.Polling.BaseIntervalSeconds != 30 {
		t.Errorf("cli should override env: got %v", cfg.YouTube.Polling.BaseIntervalSeconds)
	}
}

func TestLoad_cliBoolAndTopLevel(t *testing.T) {
	cfg, err := Load("", []string{"--Mode=serve", "--YouTube:StartInServe=true"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.YouTube.StartInServe {
		t.Error("StartInServe should be true")
	}
}

func TestLoad_invalidMode(t *testing.T) {
	_, err := Load("", []string{"--Mode=broadcast"})
	if err == nil || !strings.Contains(err.Error(), "invalid Mode") {
		t.Errorf("expected invalid mode error, got %v", err)
	}
}

func TestLoad_streamModeRequiresSource(t *testing.T) {
	_, err := Load("", []string{
		"--Mode=stream",
		"--YouTube:ClientID=id", "--YouTube:ClientSecret=secret",
	})
	if err == nil || !strings.Contains(err.Error(), "Stream:Source") {
		t.Errorf("expected missing source error, got %v", err)
	}
}

func TestLoad_streamModeRequiresCredentials(t *testing.T) {
	_, err := Load("", []string{"--Mode=stream", "--Stream:Source=http://cam/stream"})
	if err == nil || !strings.Contains(err.Error(), "ClientID") {
		t.Errorf("expected missing credentials error, got %v", err)
	}
}

func TestLoad_invalidPrivacy(t *testing.T) {
	_, err := Load("", []string{"--YouTube:PrivacyStatus=secret"})
	if err == nil || !strings.Contains(err.Error(), "PrivacyStatus") {
		t.Errorf("expected privacy error, got %v", err)
	}
}

func TestArgOverrides_skipsConfigFlag(t *testing.T) {
	ovs := argOverrides([]string{"--config", "x.json", "--Mode=poll", "ignored"})
	if len(ovs) != 1 || ovs[0].value != "poll" {
		t.Errorf("unexpected overrides: %+v", ovs)
	}
}
