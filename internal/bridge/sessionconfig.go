package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"
)

// Turn detection variants supported by the realtime endpoint.
const (
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
)

// Defaults applied when a server_vad config omits tuning values, and the
// default eagerness for semantic_vad.
const (
	defaultVADThreshold       = 0.5
	defaultVADPrefixPaddingMS = 300
	defaultVADSilenceMS       = 200
	defaultVADEagerness       = "medium"
)

const (
	telephonyAudioFormat    = "g711_ulaw"
	inputTranscriptionModel = "gpt-4o-mini-transcribe"
)

// TurnDetection carries either variant; which fields matter depends on Type.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type NoiseReduction struct {
	Type string `json:"type"`
}

// MaxTokens is a response token limit that is either a number or the "inf"
// sentinel meaning unbounded.
type MaxTokens struct {
	N   int
	Inf bool
}

func (m MaxTokens) MarshalJSON() ([]byte, error) {
	if m.Inf {
		return []byte(`"inf"`), nil
	}
	return []byte(strconv.Itoa(m.N)), nil
}

func (m *MaxTokens) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`"inf"`)) {
		m.Inf = true
		m.N = 0
		return nil
	}
	var n float64
	if err := sonic.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("max token limit must be a number or \"inf\": %w", err)
	}
	m.Inf = false
	m.N = int(n)
	return nil
}

// SessionConfig is the immutable per-call configuration snapshot, captured at
// session creation. Later edits made by collaborators never affect an
// in-flight call.
type SessionConfig struct {
	Voice                    string          `json:"voice"`
	TurnDetection            TurnDetection   `json:"turnDetection"`
	InputAudioNoiseReduction *NoiseReduction `json:"inputAudioNoiseReduction"`
	Instructions             string          `json:"instructions"`
	Temperature              float64         `json:"temperature"`
	MaxResponseOutputTokens  MaxTokens       `json:"maxResponseOutputTokens"`
}

const defaultInstructions = `You are a helpful AI assistant making a phone call. Speak naturally and conversationally.

Guidelines:
- Greet the person warmly
- Listen carefully before responding
- Ask clarifying questions when needed
- Be patient and understanding
- Keep responses concise but informative
- End calls politely`

// DefaultSessionConfig is applied when a media-stream connection arrives
// without a decodable config query parameter.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Voice: "marin",
		TurnDetection: TurnDetection{
			Type:              TurnDetectionSemanticVAD,
			Eagerness:         defaultVADEagerness,
			CreateResponse:    true,
			InterruptResponse: true,
		},
		InputAudioNoiseReduction: &NoiseReduction{Type: "near_field"},
		Instructions:             defaultInstructions,
		Temperature:              0.8,
		MaxResponseOutputTokens:  MaxTokens{N: 4096},
	}
}

// ParseSessionConfig decodes the config query parameter. The value is
// URL-encoded JSON; a value that arrives still percent-escaped is unescaped
// first. Callers fall back to DefaultSessionConfig on error.
func ParseSessionConfig(raw string) (SessionConfig, error) {
	if raw == "" {
		return SessionConfig{}, errors.New("empty config")
	}
	var cfg SessionConfig
	if err := sonic.Unmarshal([]byte(raw), &cfg); err != nil {
		unescaped, uerr := url.QueryUnescape(raw)
		if uerr != nil {
			return SessionConfig{}, fmt.Errorf("decoding config: %w", err)
		}
		if err := sonic.Unmarshal([]byte(unescaped), &cfg); err != nil {
			return SessionConfig{}, fmt.Errorf("decoding config: %w", err)
		}
	}
	if cfg.Voice == "" {
		return SessionConfig{}, errors.New("config missing voice")
	}
	return cfg, nil
}

// realtimeSession is the session object sent in the initial session.update.
// Both audio formats are pinned to the telephony codec; the bridge never
// transcodes.
type realtimeSession struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription transcriptionSetting `json:"input_audio_transcription"`
	TurnDetection           TurnDetection        `json:"turn_detection"`
	NoiseReduction          *NoiseReduction      `json:"input_audio_noise_reduction,omitempty"`
	Temperature             float64              `json:"temperature"`
	MaxResponseOutputTokens MaxTokens            `json:"max_response_output_tokens"`
}

type transcriptionSetting struct {
	Model string `json:"model"`
}

type sessionUpdate struct {
	Type    string          `json:"type"`
	Session realtimeSession `json:"session"`
}

// newSessionUpdate translates a SessionConfig into the initial configuration
// message for the realtime endpoint, filling variant-specific VAD defaults.
func newSessionUpdate(cfg SessionConfig) sessionUpdate {
	td := cfg.TurnDetection
	switch td.Type {
	case TurnDetectionServerVAD:
		if td.Threshold == 0 {
			td.Threshold = defaultVADThreshold
		}
		if td.PrefixPaddingMS == 0 {
			td.PrefixPaddingMS = defaultVADPrefixPaddingMS
		}
		if td.SilenceDurationMS == 0 {
			td.SilenceDurationMS = defaultVADSilenceMS
		}
		td.Eagerness = ""
	default:
		td.Type = TurnDetectionSemanticVAD
		if td.Eagerness == "" {
			td.Eagerness = defaultVADEagerness
		}
		td.Threshold = 0
		td.PrefixPaddingMS = 0
		td.SilenceDurationMS = 0
	}
	return sessionUpdate{
		Type: "session.update",
		Session: realtimeSession{
			Modalities:              []string{"audio", "text"},
			Instructions:            cfg.Instructions,
			Voice:                   cfg.Voice,
			InputAudioFormat:        telephonyAudioFormat,
			OutputAudioFormat:       telephonyAudioFormat,
			InputAudioTranscription: transcriptionSetting{Model: inputTranscriptionModel},
			TurnDetection:           td,
			NoiseReduction:          cfg.InputAudioNoiseReduction,
			Temperature:             cfg.Temperature,
			MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
		},
	}
}
