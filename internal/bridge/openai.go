package bridge

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-bridge/shared"
)

// realtimeAppend feeds one base64 audio frame into the model's input buffer.
type realtimeAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// modelEvent is the decoded superset of realtime server events the bridge
// acts on. Everything else passes through to observers untouched.
type modelEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta"`
	Transcript string         `json:"transcript"`
	Item       *modelItem     `json:"item"`
	Response   *modelResponse `json:"response"`
	Usage      *modelUsage    `json:"usage"`
	Error      *modelError    `json:"error"`
}

type modelItem struct {
	Content []modelContent `json:"content"`
}

type modelContent struct {
	Transcript string `json:"transcript"`
}

type modelResponse struct {
	Usage *modelUsage `json:"usage"`
}

type modelUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type modelError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// connectModel dials the realtime endpoint for a session, sends the initial
// configuration, and runs the model read loop. Runs in its own goroutine per
// session; failures surface as events rather than errors.
func (b *Bridge) connectModel(sess *CallSession) {
	ctx, cancel := context.WithCancel(context.Background())
	sess.setModelCancel(cancel)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.OpenAI.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, err := b.dial(ctx, b.cfg.OpenAI.DialURL(), header)
	if err != nil {
		b.metrics.ModelConnectFailures.Inc()
		b.logger.Error("connecting to realtime endpoint", err, zap.String("callId", sess.CallID))
		b.caster.Broadcast(LoggedEvent{
			Type:      eventOpenAIError,
			Source:    SourceSystem,
			Direction: DirectionOutgoing,
			CallID:    sess.CallID,
			Payload:   errorPayload{Error: err.Error()},
			Summary:   "OpenAI connection error",
		})
		return
	}

	mc := newSafeConn(conn, b.cfg.Bridge.WriteTimeout())
	if !sess.adoptModelConn(mc) {
		// The call ended while the dial was in flight.
		b.logger.Debug("discarding realtime connection", zap.String("callId", sess.CallID), zap.Error(shared.ErrSessionClosed))
		_ = mc.Close()
		return
	}

	update, err := sonic.Marshal(newSessionUpdate(sess.Config))
	if err != nil {
		b.logger.Error("marshaling session update", err, zap.String("callId", sess.CallID))
		_ = mc.Close()
		return
	}
	if err := mc.WriteText(update); err != nil {
		b.logger.Error("sending session update", err, zap.String("callId", sess.CallID))
		_ = mc.Close()
		return
	}

	b.logger.Info("realtime session opened", zap.String("callId", sess.CallID))
	b.caster.Broadcast(LoggedEvent{
		Type:      eventOpenAIConnected,
		Source:    SourceSystem,
		Direction: DirectionOutgoing,
		CallID:    sess.CallID,
		Summary:   "Connected to OpenAI Realtime API",
	})

	b.readModelLoop(sess, mc)
}

// readModelLoop consumes realtime server events until the connection drops.
func (b *Bridge) readModelLoop(sess *CallSession, mc *safeConn) {
	for {
		_, data, err := mc.ReadMessage()
		if err != nil {
			b.logger.Info("realtime connection closed", zap.String("callId", sess.CallID), zap.Error(err))
			b.caster.Broadcast(LoggedEvent{
				Type:      eventOpenAIDisconnected,
				Source:    SourceSystem,
				Direction: DirectionOutgoing,
				CallID:    sess.CallID,
				Summary:   "Disconnected from OpenAI",
			})
			return
		}
		b.handleModelEvent(sess, data)
	}
}

// handleModelEvent reacts to one realtime server event: relays audio deltas,
// clears playback on barge-in, accumulates usage, and broadcasts everything
// except the per-frame audio deltas.
func (b *Bridge) handleModelEvent(sess *CallSession, data []byte) {
	var ev modelEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		b.metrics.ParseErrors.WithLabelValues("openai").Inc()
		b.logger.Warn("dropping unparseable realtime event", zap.String("callId", sess.CallID), zap.Error(err))
		return
	}

	if ev.Type == "response.done" {
		// Usage nests under response in current payloads; older ones carried
		// it at the top level. Accept both.
		usage := ev.Usage
		if ev.Response != nil && ev.Response.Usage != nil {
			usage = ev.Response.Usage
		}
		if usage != nil {
			sess.Usage.Add(usage.InputTokens, usage.OutputTokens)
		}
	}

	// Audio deltas arrive many times per second; observers get transcripts
	// and lifecycle events instead.
	if !strings.Contains(ev.Type, "audio.delta") {
		b.broadcastModelEvent(sess, &ev, data)
	}

	switch ev.Type {
	case "response.audio.delta", "response.output_audio.delta":
		b.forwardModelAudio(sess, ev.Delta)

	case "input_audio_buffer.speech_started":
		b.clearPlayback(sess)

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			b.caster.Broadcast(LoggedEvent{
				Type:      eventUserTranscript,
				Source:    SourceOpenAI,
				Direction: DirectionIncoming,
				CallID:    sess.CallID,
				Payload:   transcriptPayload{Text: ev.Transcript},
				Summary:   ev.Transcript,
			})
		}

	case "response.output_item.done":
		if ev.Item != nil && len(ev.Item.Content) > 0 && ev.Item.Content[0].Transcript != "" {
			text := ev.Item.Content[0].Transcript
			b.caster.Broadcast(LoggedEvent{
				Type:      eventAgentTranscript,
				Source:    SourceOpenAI,
				Direction: DirectionOutgoing,
				CallID:    sess.CallID,
				Payload:   transcriptPayload{Text: text},
				Summary:   text,
			})
		}

	case "error":
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		b.logger.Warn("realtime error event",
			zap.String("callId", sess.CallID),
			zap.String("message", msg),
		)
	}
}

// broadcastModelEvent relays one realtime event to observers under its native
// type string. Error events carry the full raw payload so observers see the
// code and message; the rest carry only type and summary.
func (b *Bridge) broadcastModelEvent(sess *CallSession, ev *modelEvent, data []byte) {
	errMessage := ""
	if ev.Error != nil {
		errMessage = ev.Error.Message
	}
	out := LoggedEvent{
		Type:      ev.Type,
		Source:    SourceOpenAI,
		Direction: DirectionIncoming,
		CallID:    sess.CallID,
		Summary:   eventSummary(ev.Type, errMessage),
	}
	if ev.Type == "error" {
		var raw map[string]any
		if err := sonic.Unmarshal(data, &raw); err == nil {
			out.Payload = raw
		}
	}
	b.caster.Broadcast(out)
}

// forwardModelAudio relays one model audio frame to the caller. A frame that
// arrives before the telephony start message has no stream handle to address
// and is dropped.
func (b *Bridge) forwardModelAudio(sess *CallSession, delta string) {
	if delta == "" {
		return
	}
	streamSID := sess.StreamSID()
	if streamSID == "" {
		b.metrics.FramesDropped.Inc()
		b.logger.Warn("dropping model audio", zap.String("callId", sess.CallID), zap.Error(shared.ErrNoStreamHandle))
		return
	}
	frame, err := sonic.Marshal(twilioOutbound{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &twilioMediaPayload{Payload: delta},
	})
	if err != nil {
		b.logger.Error("marshaling media frame", err, zap.String("callId", sess.CallID))
		return
	}
	if err := sess.twilio.WriteText(frame); err != nil {
		b.logger.Warn("forwarding model audio failed", zap.String("callId", sess.CallID), zap.Error(err))
		return
	}
	b.metrics.FramesToCaller.Inc()

	if sess.Recording.Enabled() {
		raw, err := base64.StdEncoding.DecodeString(delta)
		if err != nil {
			b.logger.Warn("skipping recording chunk with bad base64", zap.String("callId", sess.CallID), zap.Error(err))
			return
		}
		sess.Recording.Append(LegAssistant, raw)
	}
}

// clearPlayback tells the telephony side to discard queued audio. Sent the
// moment the model detects the caller speaking, before any new audio, so the
// agent stops talking mid-sentence instead of finishing a stale response.
func (b *Bridge) clearPlayback(sess *CallSession) {
	streamSID := sess.StreamSID()
	if streamSID == "" {
		return
	}
	frame, err := sonic.Marshal(twilioOutbound{Event: "clear", StreamSID: streamSID})
	if err != nil {
		b.logger.Error("marshaling clear frame", err, zap.String("callId", sess.CallID))
		return
	}
	if err := sess.twilio.WriteText(frame); err != nil {
		b.logger.Warn("sending clear failed", zap.String("callId", sess.CallID), zap.Error(err))
		return
	}
	b.metrics.BargeIns.Inc()
	b.logger.Debug("cleared queued playback", zap.String("callId", sess.CallID))
}
