package configutil

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type agentSettings struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	Voice  string `mapstructure:"voice"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out agentSettings
	err := DecodeSettings(map[string]any{"API-Key": "sk", "model": "gpt-realtime", "Voice": "alloy"}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "sk" || out.Model != "gpt-realtime" || out.Voice != "alloy" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"api_key": " ", "colour": "red"}, Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "missing: api_key") || !strings.Contains(msg, "unknown: colour") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"api_key": "k", "extra": 1}, Schema{
		Required:     []string{"api_key"},
		AllowUnknown: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHelpers(t *testing.T) {
	if Millis(0, time.Second) != time.Second {
		t.Fatalf("expected fallback")
	}
	if Millis(250, time.Second) != 250*time.Millisecond {
		t.Fatalf("expected 250ms")
	}
	if err := RequireString("", "agent.api_key"); err == nil {
		t.Fatalf("expected required error")
	}
}

func TestValidateSettingsErrorType(t *testing.T) {
	err := ValidateSettings(nil, Schema{Required: []string{"url", "api_key"}})
	var serr *SettingsError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SettingsError, got %T", err)
	}
	if strings.Join(serr.Missing, ",") != "api_key,url" || len(serr.Unknown) != 0 {
		t.Fatalf("unexpected fields %+v", serr)
	}
}

func TestDecodeSettingsConvertsDurationsAndLists(t *testing.T) {
	var out struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Origins []string      `mapstructure:"origins"`
		Retries int           `mapstructure:"retries"`
	}
	err := DecodeSettings(map[string]any{"timeout": "250ms", "origins": "a.com,b.com", "retries": "2"}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Timeout != 250*time.Millisecond || len(out.Origins) != 2 || out.Retries != 2 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}
