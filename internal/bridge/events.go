package bridge

import "time"

type EventSource string

const (
	SourceTwilio EventSource = "twilio"
	SourceOpenAI EventSource = "openai"
	SourceSystem EventSource = "system"
)

type EventDirection string

const (
	DirectionIncoming EventDirection = "incoming"
	DirectionOutgoing EventDirection = "outgoing"
)

// LoggedEvent is the wire shape delivered to event-stream observers. One JSON
// object per event; events are ephemeral and never persisted here.
type LoggedEvent struct {
	Type      string         `json:"type"`
	Source    EventSource    `json:"source"`
	Direction EventDirection `json:"direction"`
	CallID    string         `json:"callId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload,omitempty"`
	Summary   string         `json:"summary,omitempty"`
}

// Event types emitted by the bridge itself. Model-side events are broadcast
// under their native type strings.
const (
	eventTwilioConnected    = "twilio.connected"
	eventTwilioStart        = "twilio.start"
	eventTwilioDTMF         = "twilio.dtmf"
	eventTwilioStop         = "twilio.stop"
	eventCallEnded          = "call.ended"
	eventOpenAIConnected    = "openai.connected"
	eventOpenAIError        = "openai.error"
	eventOpenAIDisconnected = "openai.disconnected"
	eventUserTranscript     = "transcription.user"
	eventAgentTranscript    = "transcription.assistant"
	eventObserverConnected  = "connected"
)

type callEndedPayload struct {
	DurationSeconds int `json:"durationSeconds"`
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
}

type transcriptPayload struct {
	Text string `json:"text"`
}

// eventSummary derives a human-readable line for well-known model event
// types. Unknown types get no summary.
func eventSummary(eventType, errMessage string) string {
	switch eventType {
	case "session.created":
		return "Session created"
	case "session.updated":
		return "Session configured"
	case "response.created":
		return "Generating response..."
	case "response.done":
		return "Response complete"
	case "input_audio_buffer.speech_started":
		return "User speaking..."
	case "input_audio_buffer.speech_stopped":
		return "User finished speaking"
	case "error":
		return "Error: " + errMessage
	default:
		return ""
	}
}
