package callbridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("CALLBRIDGE_TEST_OPENAI_KEY", "sk-test")
	t.Setenv("CALLBRIDGE_TEST_PUBLIC", "https://bridge.example.com")
	path := writeConfig(t, `
server:
  public_url: ${CALLBRIDGE_TEST_PUBLIC}
agent:
  settings:
    api_key: ${CALLBRIDGE_TEST_OPENAI_KEY}
commands:
  links:
    MENU_DAY:
      label: menu of the day
      url: ${CALLBRIDGE_TEST_PUBLIC}/menus/day
knowledge:
  in_memory: true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.PublicURL != "https://bridge.example.com" {
		t.Fatalf("public url not expanded: %q", cfg.Server.PublicURL)
	}
	if cfg.Agent.Settings["api_key"] != "sk-test" {
		t.Fatalf("agent settings not expanded: %v", cfg.Agent.Settings)
	}
	if cfg.Server.Addr != ":8080" || cfg.Agent.Provider != "openai" || cfg.Agent.SampleRate != 24000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Agent.CommitBytes != 1600 || !cfg.Agent.ServerVAD || !cfg.Privacy.RedactPII {
		t.Fatalf("agent defaults not applied: %+v", cfg.Agent)
	}
	links := cfg.Commands.LinkTargets()
	link, ok := links[commands.LinkMenuDay]
	if !ok {
		t.Fatalf("expected MENU_DAY link, got %v", links)
	}
	if link.URL != "https://bridge.example.com/menus/day" || link.Label != "menu of the day" {
		t.Fatalf("unexpected link: %+v", link)
	}
}

func TestLoadConfigRejectsUnknownLinkKind(t *testing.T) {
	path := writeConfig(t, `
commands:
  links:
    dessert:
      url: https://example.com/dessert
knowledge:
  in_memory: true
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid reason, got %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Config{
		Agent: AgentConfig{
			Provider:     "openai",
			InputFormat:  "opus",
			OutputFormat: "pcm16",
			SampleRate:   22050,
		},
		Transcript: TranscriptConfig{Enabled: true},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"agent.input_format", "agent.sample_rate", "knowledge.dir", "transcript.provider"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
