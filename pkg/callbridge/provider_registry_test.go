package callbridge

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/transcript"
)

func TestDefaultRegistryBuildsOpenAIAgent(t *testing.T) {
	r := DefaultProviderRegistry()
	dial, err := r.BuildAgent("OpenAI", map[string]any{
		"api_key":              "sk-test",
		"model":                "gpt-4o-realtime-preview",
		"handshake_timeout_ms": 500,
	}, slog.Default())
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}
	if dial == nil {
		t.Fatalf("expected dialer")
	}
}

func TestOpenAIAgentRequiresAPIKey(t *testing.T) {
	r := DefaultProviderRegistry()
	_, err := r.BuildAgent("openai", map[string]any{"model": "x"}, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}
	_, err = r.BuildAgent("openai", map[string]any{"api_key": "k", "voice": "alloy"}, slog.Default())
	if err == nil || !strings.Contains(err.Error(), "unknown: voice") {
		t.Fatalf("expected unknown voice, got %v", err)
	}
}

func TestDeepgramTranscriptSettings(t *testing.T) {
	r := DefaultProviderRegistry()
	opener, err := r.BuildTranscript("deepgram", map[string]any{
		"api_key":  "dg-test",
		"language": "en-GB",
		"interim":  "true",
	}, metrics.NoopObserver{}, slog.Default())
	if err != nil {
		t.Fatalf("build transcript: %v", err)
	}
	if _, ok := opener.(*transcript.Deepgram); !ok {
		t.Fatalf("expected deepgram opener, got %T", opener)
	}
	if _, err := r.BuildTranscript("deepgram", nil, nil, slog.Default()); err == nil {
		t.Fatalf("expected missing api_key error")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewProviderRegistry()
	if _, err := r.BuildAgent("acme", nil, slog.Default()); err == nil {
		t.Fatalf("expected error for unregistered agent")
	}
	if _, err := r.BuildTranscript("acme", nil, nil, slog.Default()); err == nil {
		t.Fatalf("expected error for unregistered transcript")
	}
}

func TestRegisterCustomAgent(t *testing.T) {
	r := NewProviderRegistry()
	called := false
	r.RegisterAgent("Fake", func(settings map[string]any, log *slog.Logger) (bridge.AgentDialer, error) {
		called = true
		return func(ctx context.Context) (bridge.AgentLeg, error) { return nil, context.Canceled }, nil
	})
	if _, err := r.BuildAgent(" fake ", nil, slog.Default()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if !called {
		t.Fatalf("factory not invoked")
	}
}
