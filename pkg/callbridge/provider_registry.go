package callbridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/realtime"
	"github.com/harunnryd/callbridge/pkg/transcript"
)

type AgentFactory func(settings map[string]any, log *slog.Logger) (bridge.AgentDialer, error)
type TranscriptFactory func(settings map[string]any, observer metrics.Observer, log *slog.Logger) (transcript.Opener, error)

// ProviderRegistry maps configured provider names to constructors. Names are
// matched case-insensitively.
type ProviderRegistry struct {
	agents      map[string]AgentFactory
	transcripts map[string]TranscriptFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		agents:      make(map[string]AgentFactory),
		transcripts: make(map[string]TranscriptFactory),
	}
}

// DefaultProviderRegistry knows the openai agent and the deepgram tap.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterAgent("openai", newOpenAIAgent)
	r.RegisterTranscript("deepgram", newDeepgramTranscript)
	return r
}

func (r *ProviderRegistry) RegisterAgent(name string, f AgentFactory) {
	r.agents[trimLower(name)] = f
}

func (r *ProviderRegistry) RegisterTranscript(name string, f TranscriptFactory) {
	r.transcripts[trimLower(name)] = f
}

func (r *ProviderRegistry) BuildAgent(name string, settings map[string]any, log *slog.Logger) (bridge.AgentDialer, error) {
	f, ok := r.agents[trimLower(name)]
	if !ok {
		return nil, fmt.Errorf("agent provider not registered: %s", name)
	}
	return f(settings, log)
}

func (r *ProviderRegistry) BuildTranscript(name string, settings map[string]any, observer metrics.Observer, log *slog.Logger) (transcript.Opener, error) {
	f, ok := r.transcripts[trimLower(name)]
	if !ok {
		return nil, fmt.Errorf("transcript provider not registered: %s", name)
	}
	return f(settings, observer, log)
}

type openAISettings struct {
	realtime.Config    `mapstructure:",squash"`
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms"`
}

func newOpenAIAgent(settings map[string]any, log *slog.Logger) (bridge.AgentDialer, error) {
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "url", "organization", "handshake_timeout_ms"},
	}
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return nil, fmt.Errorf("agent.settings: %w", err)
	}
	var s openAISettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("agent.settings: %w", err)
	}
	cfg := s.Config
	cfg.HandshakeTimeout = configutil.Millis(s.HandshakeTimeoutMS, 10*time.Second)
	cfg.Logger = log
	return bridge.RealtimeDialer(cfg), nil
}

func newDeepgramTranscript(settings map[string]any, observer metrics.Observer, log *slog.Logger) (transcript.Opener, error) {
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "utterance_end_ms", "buffer"},
	}
	if err := configutil.ValidateSettings(settings, schema); err != nil {
		return nil, fmt.Errorf("transcript.settings: %w", err)
	}
	var cfg transcript.Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("transcript.settings: %w", err)
	}
	return transcript.NewDeepgram(cfg, observer, log), nil
}
