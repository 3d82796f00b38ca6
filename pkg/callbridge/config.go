package callbridge

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/harunnryd/callbridge/pkg/codec"
	"github.com/harunnryd/callbridge/pkg/commands"
	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/errorsx"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Commands      CommandsConfig      `mapstructure:"commands"`
	Knowledge     KnowledgeConfig     `mapstructure:"knowledge"`
	Transcript    TranscriptConfig    `mapstructure:"transcript"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	PublicURL      string   `mapstructure:"public_url"`
	StaticDir      string   `mapstructure:"static_dir"`
	StaticPath     string   `mapstructure:"static_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

type TwilioConfig struct {
	AccountSID          string `mapstructure:"account_sid"`
	AuthToken           string `mapstructure:"auth_token"`
	MessagingFrom       string `mapstructure:"messaging_from"`
	MessagingServiceSID string `mapstructure:"messaging_service_sid"`
	VoiceGreeting       string `mapstructure:"voice_greeting"`
	VoicePath           string `mapstructure:"voice_path"`
	WebsocketPath       string `mapstructure:"ws_path"`
	StatusCallbackPath  string `mapstructure:"status_callback_path"`
}

type AgentConfig struct {
	Provider         string         `mapstructure:"provider"`
	Settings         map[string]any `mapstructure:"settings"`
	Voice            string         `mapstructure:"voice"`
	Instructions     string         `mapstructure:"instructions"`
	Greeting         string         `mapstructure:"greeting"`
	Temperature      float64        `mapstructure:"temperature"`
	InputFormat      string         `mapstructure:"input_format"`
	OutputFormat     string         `mapstructure:"output_format"`
	SampleRate       int            `mapstructure:"sample_rate"`
	ServerVAD        bool           `mapstructure:"server_vad"`
	VADThreshold     float64        `mapstructure:"vad_threshold"`
	VADSilenceMS     int            `mapstructure:"vad_silence_ms"`
	BargeIn          bool           `mapstructure:"barge_in"`
	CommitBytes      int            `mapstructure:"commit_bytes"`
	ConnectTimeoutMS int            `mapstructure:"connect_timeout_ms"`
}

type CommandsConfig struct {
	MaxResults        int                      `mapstructure:"max_results"`
	MaxResultChars    int                      `mapstructure:"max_result_chars"`
	MessageTemplate   string                   `mapstructure:"message_template"`
	LookupTimeoutMS   int                      `mapstructure:"lookup_timeout_ms"`
	DeliveryTimeoutMS int                      `mapstructure:"delivery_timeout_ms"`
	Retries           int                      `mapstructure:"retries"`
	RetryBackoffMS    int                      `mapstructure:"retry_backoff_ms"`
	BreakerFailures   int                      `mapstructure:"breaker_failures"`
	BreakerCooldownMS int                      `mapstructure:"breaker_cooldown_ms"`
	Links             map[string]commands.Link `mapstructure:"links"`
}

type KnowledgeConfig struct {
	Dir       string `mapstructure:"dir"`
	InMemory  bool   `mapstructure:"in_memory"`
	SourceDir string `mapstructure:"source_dir"`
}

type TranscriptConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	EventsFile    string `mapstructure:"events_file"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.static_path", "/static/")
	v.SetDefault("server.drain_timeout_ms", 20000)
	v.SetDefault("agent.provider", "openai")
	v.SetDefault("agent.input_format", codec.FormatPCM16)
	v.SetDefault("agent.output_format", codec.FormatPCM16)
	v.SetDefault("agent.sample_rate", 24000)
	v.SetDefault("agent.server_vad", true)
	v.SetDefault("agent.barge_in", true)
	v.SetDefault("agent.commit_bytes", 1600)
	v.SetDefault("agent.connect_timeout_ms", 10000)
	v.SetDefault("commands.max_results", commands.DefaultMaxResults)
	v.SetDefault("commands.max_result_chars", commands.DefaultMaxResultChars)
	v.SetDefault("commands.lookup_timeout_ms", 3000)
	v.SetDefault("commands.delivery_timeout_ms", 15000)
	v.SetDefault("commands.retries", 2)
	v.SetDefault("commands.retry_backoff_ms", 300)
	v.SetDefault("commands.breaker_failures", 5)
	v.SetDefault("commands.breaker_cooldown_ms", 30000)
	v.SetDefault("knowledge.in_memory", false)
	v.SetDefault("transcript.enabled", false)
	v.SetDefault("transcript.provider", "deepgram")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(configutil.RequireString(c.Agent.Provider, "agent.provider"))
	switch c.Agent.InputFormat {
	case codec.FormatPCM16, codec.FormatULaw, "":
	default:
		add(fmt.Errorf("agent.input_format %q is not supported", c.Agent.InputFormat))
	}
	switch c.Agent.OutputFormat {
	case codec.FormatPCM16, codec.FormatULaw, "":
	default:
		add(fmt.Errorf("agent.output_format %q is not supported", c.Agent.OutputFormat))
	}
	if c.Agent.SampleRate < 0 || c.Agent.SampleRate%codec.TelephonyRate != 0 {
		add(fmt.Errorf("agent.sample_rate %d must be a multiple of %d", c.Agent.SampleRate, codec.TelephonyRate))
	}
	for name, link := range c.Commands.Links {
		if _, ok := commands.ParseLinkKind(name); !ok {
			add(fmt.Errorf("commands.links.%s is not a known link kind", name))
			continue
		}
		add(configutil.RequireString(link.URL, "commands.links."+name+".url"))
	}
	if !c.Knowledge.InMemory {
		add(configutil.RequireString(c.Knowledge.Dir, "knowledge.dir"))
	}
	if c.Transcript.Enabled {
		add(configutil.RequireString(c.Transcript.Provider, "transcript.provider"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errorsx.Wrap(errors.Join(errs...), errorsx.ReasonConfigInvalid)
}

// LinkTargets converts the configured links to dispatcher keys.
func (c CommandsConfig) LinkTargets() map[commands.LinkKind]commands.Link {
	out := make(map[commands.LinkKind]commands.Link, len(c.Links))
	for name, link := range c.Links {
		if kind, ok := commands.ParseLinkKind(name); ok {
			out[kind] = link
		}
	}
	return out
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Agent.Settings = expandSettings(cfg.Agent.Settings)
	cfg.Transcript.Settings = expandSettings(cfg.Transcript.Settings)
	for name, link := range cfg.Commands.Links {
		link.Label = os.ExpandEnv(link.Label)
		link.URL = os.ExpandEnv(link.URL)
		cfg.Commands.Links[name] = link
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
