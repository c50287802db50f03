package config

import (
	"strings"
	"testing"
)

func TestLoadConfigFileAgents(t *testing.T) {
	yamlConfig := `
agents:
  - id: assistant
    name: Assistant
    endpoint: https://agents.example.com/chat
    headers:
      Authorization: Bearer secret
    triggers:
      - user-messages
    body_template:
      model: small
  - id: critic
    endpoint: https://agents.example.com/critic
    triggers:
      - all
`
	cfg := &Config{}
	if err := LoadConfigFile(strings.NewReader(yamlConfig), cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	if len(cfg.DefaultAgents) != 2 {
		t.Fatalf("got %d agents, want 2", len(cfg.DefaultAgents))
	}
	first := cfg.DefaultAgents[0]
	if first.ID != "assistant" || first.Endpoint != "https://agents.example.com/chat" {
		t.Errorf("unexpected first agent: %+v", first)
	}
	if first.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("headers not decoded: %v", first.Headers)
	}
	if len(first.Triggers) != 1 || first.Triggers[0] != "user-messages" {
		t.Errorf("triggers not decoded: %v", first.Triggers)
	}
	if first.BodyTemplate["model"] != "small" {
		t.Errorf("body_template not decoded: %v", first.BodyTemplate)
	}
	if cfg.DefaultAgents[1].Triggers[0] != "all" {
		t.Errorf("second agent triggers: %v", cfg.DefaultAgents[1].Triggers)
	}
}

func TestLoadConfigFileEmpty(t *testing.T) {
	cfg := &Config{}
	if err := LoadConfigFile(strings.NewReader(""), cfg); err != nil {
		t.Fatalf("empty file should be accepted: %v", err)
	}
	if len(cfg.DefaultAgents) != 0 {
		t.Errorf("expected no agents, got %v", cfg.DefaultAgents)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "42")
	if got := getEnvAsInt("RELAY_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("RELAY_TEST_INT", "not-a-number")
	if got := getEnvAsInt("RELAY_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default 7", got)
	}
	if got := getEnvAsInt("RELAY_TEST_MISSING", 9); got != 9 {
		t.Errorf("got %d, want default 9", got)
	}
}
