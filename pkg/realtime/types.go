// Package realtime is a websocket client for OpenAI-Realtime-compatible
// speech-to-speech endpoints.
package realtime

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"
	DefaultVoice = "alloy"
)

const (
	AudioFormatPCM16    = "pcm16"
	AudioFormatG711ULaw = "g711_ulaw"

	VADServer = "server_vad"

	ModalityText  = "text"
	ModalityAudio = "audio"
)

// Client event types.
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventInputAudioBufferCommit = "input_audio_buffer.commit"
	EventResponseCreate         = "response.create"
	EventResponseCancel         = "response.cancel"
)

// Server event types.
const (
	EventError                        = "error"
	EventSessionCreated               = "session.created"
	EventSessionUpdated               = "session.updated"
	EventInputAudioBufferCommitted    = "input_audio_buffer.committed"
	EventInputAudioBufferSpeechStart  = "input_audio_buffer.speech_started"
	EventInputAudioBufferSpeechStop   = "input_audio_buffer.speech_stopped"
	EventResponseCreated              = "response.created"
	EventResponseDone                 = "response.done"
	EventResponseTextDelta            = "response.text.delta"
	EventResponseAudioDelta           = "response.audio.delta"
	EventResponseAudioDone            = "response.audio.done"
	EventResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone  = "response.audio_transcript.done"
)

// SessionConfig is the session.update payload.
type SessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	Temperature       *float64       `json:"temperature,omitempty"`

	// TurnDetectionDisabled sends "turn_detection": null, switching the
	// endpoint to manual commit + response.create.
	TurnDetectionDisabled bool `json:"-"`
}

func (s SessionConfig) MarshalJSON() ([]byte, error) {
	type alias SessionConfig
	b, err := json.Marshal(alias(s))
	if err != nil || !s.TurnDetectionDisabled {
		return b, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["turn_detection"] = json.RawMessage("null")
	return json.Marshal(m)
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// ResponseOptions is the optional response.create body.
type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ServerEvent is one decoded server message. Audio holds the decoded bytes
// of response.audio.delta.
type ServerEvent struct {
	Type         string        `json:"type"`
	EventID      string        `json:"event_id,omitempty"`
	Session      *SessionInfo  `json:"session,omitempty"`
	Response     *ResponseInfo `json:"response,omitempty"`
	ResponseID   string        `json:"response_id,omitempty"`
	ItemID       string        `json:"item_id,omitempty"`
	Delta        string        `json:"delta,omitempty"`
	Transcript   string        `json:"transcript,omitempty"`
	AudioStartMs int           `json:"audio_start_ms,omitempty"`
	Error        *ErrorInfo    `json:"error,omitempty"`

	Audio []byte `json:"-"`
}

type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ErrorInfo) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	case e.Type != "":
		return fmt.Sprintf("realtime: %s: %s", e.Type, e.Message)
	default:
		return "realtime: " + e.Message
	}
}
