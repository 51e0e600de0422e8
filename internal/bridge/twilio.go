package bridge

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-bridge/shared"
)

// Inbound Twilio Media Streams control messages, selected by the event field.
type twilioMessage struct {
	Event string       `json:"event"`
	Start *twilioStart `json:"start"`
	Media *twilioMedia `json:"media"`
	DTMF  *twilioDTMF  `json:"dtmf"`
	Mark  *twilioMark  `json:"mark"`
}

type twilioStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type twilioMedia struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type twilioDTMF struct {
	Digit string `json:"digit"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// Outbound frames to the telephony connection: media carries audio addressed
// to the stream handle, clear discards queued playback (barge-in).
type twilioOutbound struct {
	Event     string              `json:"event"`
	StreamSID string              `json:"streamSid"`
	Media     *twilioMediaPayload `json:"media,omitempty"`
}

type twilioMediaPayload struct {
	Payload string `json:"payload"`
}

type twilioStartPayload struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

// HandleMediaStream runs one telephony connection for its full lifetime. The
// raw config string is the URL-decoded config query parameter; a missing call
// identifier is synthesized.
func (b *Bridge) HandleMediaStream(conn Conn, callID, rawConfig string, record bool) {
	sc := newSafeConn(conn, b.cfg.Bridge.WriteTimeout())
	defer func() {
		_ = sc.Close()
	}()

	if callID == "" {
		callID = "call-" + uuid.NewString()
	}
	cfg, err := ParseSessionConfig(rawConfig)
	if err != nil {
		b.logger.Warn("using default session config",
			zap.String("callId", callID),
			zap.Error(err),
		)
		cfg = DefaultSessionConfig()
	}

	sess, err := b.registry.Create(callID, cfg, record, sc)
	if err != nil {
		b.metrics.SessionsRejected.Inc()
		b.logger.Warn("rejecting media stream", zap.String("callId", callID), zap.Error(err))
		_ = sc.WriteClose(websocket.ClosePolicyViolation, shared.ErrDuplicateCall.Error())
		return
	}
	b.metrics.SessionsCreated.Inc()
	b.logger.Info("media stream connected",
		zap.String("callId", callID),
		zap.Bool("recording", record),
	)

	for {
		_, data, err := sc.ReadMessage()
		if err != nil {
			b.logger.Info("twilio connection closed", zap.String("callId", callID), zap.Error(err))
			b.terminate(sess)
			return
		}
		var msg twilioMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			// Malformed messages are dropped; the connection stays open.
			b.metrics.ParseErrors.WithLabelValues("twilio").Inc()
			b.logger.Warn("dropping unparseable twilio message",
				zap.String("callId", callID),
				zap.Error(err),
			)
			continue
		}
		if stopped := b.handleTwilioMessage(sess, &msg); stopped {
			b.terminate(sess)
			return
		}
	}
}

// handleTwilioMessage applies one control message to the session state
// machine. Returns true on the terminal stop message.
func (b *Bridge) handleTwilioMessage(sess *CallSession, msg *twilioMessage) bool {
	switch msg.Event {
	case "connected":
		b.caster.Broadcast(LoggedEvent{
			Type:      eventTwilioConnected,
			Source:    SourceTwilio,
			Direction: DirectionIncoming,
			CallID:    sess.CallID,
			Summary:   "Twilio media stream connected",
		})

	case "start":
		if msg.Start == nil || msg.Start.StreamSID == "" {
			b.logger.Warn("start message without stream handle", zap.String("callId", sess.CallID))
			return false
		}
		if !sess.beginStream(msg.Start.StreamSID, msg.Start.CallSID) {
			b.logger.Warn("ignoring start message in unexpected state",
				zap.String("callId", sess.CallID),
				zap.String("streamSid", msg.Start.StreamSID),
			)
			return false
		}
		fields := []zap.Field{
			zap.String("callId", sess.CallID),
			zap.String("streamSid", msg.Start.StreamSID),
			zap.String("callSid", msg.Start.CallSID),
		}
		if len(msg.Start.CustomParameters) > 0 {
			fields = append(fields, zap.Any("customParameters", msg.Start.CustomParameters))
		}
		b.logger.Info("twilio stream started", fields...)
		b.caster.Broadcast(LoggedEvent{
			Type:      eventTwilioStart,
			Source:    SourceTwilio,
			Direction: DirectionIncoming,
			CallID:    sess.CallID,
			Payload:   twilioStartPayload{StreamSID: msg.Start.StreamSID, CallSID: msg.Start.CallSID},
			Summary:   "Media stream started",
		})
		// The model side is dialed only now that the stream handle exists.
		// Success or failure comes back through the event path.
		go b.connectModel(sess)

	case "media":
		if msg.Media == nil {
			return false
		}
		b.forwardCallerAudio(sess, msg.Media.Payload)

	case "dtmf":
		if msg.DTMF == nil {
			return false
		}
		b.caster.Broadcast(LoggedEvent{
			Type:      eventTwilioDTMF,
			Source:    SourceTwilio,
			Direction: DirectionIncoming,
			CallID:    sess.CallID,
			Payload:   dtmfPayload{Digit: msg.DTMF.Digit},
			Summary:   "DTMF: " + msg.DTMF.Digit,
		})

	case "mark":
		if msg.Mark != nil {
			b.logger.Debug("twilio mark", zap.String("callId", sess.CallID), zap.String("name", msg.Mark.Name))
		}

	case "stop":
		b.caster.Broadcast(LoggedEvent{
			Type:      eventTwilioStop,
			Source:    SourceTwilio,
			Direction: DirectionIncoming,
			CallID:    sess.CallID,
			Summary:   "Media stream stopped",
		})
		return true

	default:
		// Unknown control messages never fail the connection.
		b.logger.Debug("ignoring twilio message", zap.String("callId", sess.CallID), zap.String("event", msg.Event))
	}
	return false
}

// forwardCallerAudio relays one caller frame to the model connection, if
// open, and captures it for recording. Frames are forwarded one by one in
// arrival order; the payload stays base64 end to end.
func (b *Bridge) forwardCallerAudio(sess *CallSession, payload string) {
	if payload == "" {
		return
	}
	if mc := sess.modelConn(); mc != nil {
		data, err := sonic.Marshal(realtimeAppend{Type: "input_audio_buffer.append", Audio: payload})
		if err != nil {
			b.logger.Error("marshaling audio append", err, zap.String("callId", sess.CallID))
			return
		}
		if err := mc.WriteText(data); err != nil {
			b.logger.Warn("forwarding caller audio failed", zap.String("callId", sess.CallID), zap.Error(err))
		} else {
			b.metrics.FramesToModel.Inc()
		}
	}
	if sess.Recording.Enabled() {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			b.logger.Warn("skipping recording chunk with bad base64", zap.String("callId", sess.CallID), zap.Error(err))
			return
		}
		sess.Recording.Append(LegCaller, raw)
	}
}

// terminate tears a session down exactly once: closes the model connection,
// emits the final usage/duration event, and schedules removal after the grace
// delay so trailing events still resolve the call.
func (b *Bridge) terminate(sess *CallSession) {
	sess.terminateOnce.Do(func() {
		sess.markTerminated()
		if cancel := sess.takeModelCancel(); cancel != nil {
			cancel()
		}
		if mc := sess.modelConn(); mc != nil {
			_ = mc.Close()
		}

		input, output := sess.Usage.Totals()
		duration := int(time.Since(sess.StartedAt).Seconds())
		b.caster.Broadcast(LoggedEvent{
			Type:      eventCallEnded,
			Source:    SourceSystem,
			Direction: DirectionIncoming,
			CallID:    sess.CallID,
			Payload: callEndedPayload{
				DurationSeconds: duration,
				InputTokens:     input,
				OutputTokens:    output,
			},
			Summary: fmt.Sprintf("Call ended (%ds)", duration),
		})
		b.registry.ScheduleRemove(sess.CallID)
		b.logger.Info("session terminated",
			zap.String("callId", sess.CallID),
			zap.Int("durationSeconds", duration),
			zap.Int("inputTokens", input),
			zap.Int("outputTokens", output),
		)
	})
}
