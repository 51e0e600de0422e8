package bridge

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStreamingSession registers a session that already saw the telephony
// start message, with a fake telephony conn for outbound frame assertions.
func newStreamingSession(t *testing.T, b *Bridge, record bool) (*CallSession, *fakeConn) {
	t.Helper()
	twilio := newFakeConn()
	sess, err := b.registry.Create("call-1", DefaultSessionConfig(), record, newSafeConn(twilio, 0))
	require.NoError(t, err)
	require.True(t, sess.beginStream("SS1", "CA1"))
	return sess, twilio
}

func decodeOutbound(t *testing.T, frames [][]byte) []twilioOutbound {
	t.Helper()
	out := make([]twilioOutbound, 0, len(frames))
	for _, data := range frames {
		var f twilioOutbound
		require.NoError(t, sonic.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

func TestHandleModelEventForwardsAudioDelta(t *testing.T) {
	b := newTestBridge()
	sess, twilio := newStreamingSession(t, b, true)

	obs := newFakeConn()
	b.caster.subscribeGlobal(newSafeConn(obs, 0))

	delta := base64.StdEncoding.EncodeToString([]byte("voice"))
	b.handleModelEvent(sess, []byte(`{"type":"response.audio.delta","delta":"`+delta+`"}`))

	frames := decodeOutbound(t, twilio.textFrames())
	require.Len(t, frames, 1)
	assert.Equal(t, "media", frames[0].Event)
	assert.Equal(t, "SS1", frames[0].StreamSID)
	require.NotNil(t, frames[0].Media)
	assert.Equal(t, delta, frames[0].Media.Payload)

	assert.Equal(t, []byte("voice"), sess.Recording.Bytes(LegAssistant))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.FramesToCaller))
	assert.Empty(t, obs.textFrames(), "audio deltas must never reach observers")
}

func TestHandleModelEventForwardsRenamedAudioDelta(t *testing.T) {
	b := newTestBridge()
	sess, twilio := newStreamingSession(t, b, false)

	b.handleModelEvent(sess, []byte(`{"type":"response.output_audio.delta","delta":"QUFBQQ=="}`))

	frames := decodeOutbound(t, twilio.textFrames())
	require.Len(t, frames, 1)
	assert.Equal(t, "media", frames[0].Event)
}

func TestHandleModelEventDropsAudioBeforeStreamStart(t *testing.T) {
	b := newTestBridge()
	twilio := newFakeConn()
	sess, err := b.registry.Create("call-1", DefaultSessionConfig(), false, newSafeConn(twilio, 0))
	require.NoError(t, err)

	b.handleModelEvent(sess, []byte(`{"type":"response.audio.delta","delta":"QUFBQQ=="}`))

	assert.Empty(t, twilio.textFrames())
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.FramesDropped))
}

func TestHandleModelEventClearsPlaybackOnSpeechStarted(t *testing.T) {
	b := newTestBridge()
	sess, twilio := newStreamingSession(t, b, false)

	b.handleModelEvent(sess, []byte(`{"type":"input_audio_buffer.speech_started"}`))
	b.handleModelEvent(sess, []byte(`{"type":"response.audio.delta","delta":"QUFBQQ=="}`))

	frames := decodeOutbound(t, twilio.textFrames())
	require.Len(t, frames, 2)
	assert.Equal(t, "clear", frames[0].Event, "clear must precede any later audio")
	assert.Equal(t, "SS1", frames[0].StreamSID)
	assert.Nil(t, frames[0].Media)
	assert.Equal(t, "media", frames[1].Event)
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.BargeIns))
}

func TestHandleModelEventUsageNestedUnderResponse(t *testing.T) {
	b := newTestBridge()
	sess, _ := newStreamingSession(t, b, false)

	b.handleModelEvent(sess, []byte(`{"type":"response.done","response":{"usage":{"input_tokens":12,"output_tokens":34}}}`))
	b.handleModelEvent(sess, []byte(`{"type":"response.done","response":{"usage":{"input_tokens":8,"output_tokens":6}}}`))

	input, output := sess.Usage.Totals()
	assert.Equal(t, 20, input)
	assert.Equal(t, 40, output)
}

func TestHandleModelEventUsageAtTopLevel(t *testing.T) {
	b := newTestBridge()
	sess, _ := newStreamingSession(t, b, false)

	b.handleModelEvent(sess, []byte(`{"type":"response.done","usage":{"input_tokens":5,"output_tokens":7}}`))

	input, output := sess.Usage.Totals()
	assert.Equal(t, 5, input)
	assert.Equal(t, 7, output)
}

func TestHandleModelEventBroadcastsUserTranscript(t *testing.T) {
	b := newTestBridge()
	sess, _ := newStreamingSession(t, b, false)
	obs := newFakeConn()
	b.caster.subscribeGlobal(newSafeConn(obs, 0))

	b.handleModelEvent(sess, []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`))

	events := decodeEvents(t, obs.textFrames())
	// The native event passes through, then the transcript event.
	require.Len(t, events, 2)
	assert.Equal(t, eventUserTranscript, events[1].Type)
	assert.Equal(t, SourceOpenAI, events[1].Source)
	assert.Equal(t, DirectionIncoming, events[1].Direction)
	assert.Equal(t, "hello there", events[1].Summary)
}

func TestHandleModelEventBroadcastsAgentTranscript(t *testing.T) {
	b := newTestBridge()
	sess, _ := newStreamingSession(t, b, false)
	obs := newFakeConn()
	b.caster.subscribeGlobal(newSafeConn(obs, 0))

	b.handleModelEvent(sess, []byte(`{"type":"response.output_item.done","item":{"content":[{"transcript":"How can I help?"}]}}`))

	events := decodeEvents(t, obs.textFrames())
	require.Len(t, events, 2)
	assert.Equal(t, eventAgentTranscript, events[1].Type)
	assert.Equal(t, DirectionOutgoing, events[1].Direction)
	assert.Equal(t, "How can I help?", events[1].Summary)
}

func TestHandleModelEventErrorCarriesFullPayload(t *testing.T) {
	b := newTestBridge()
	sess, _ := newStreamingSession(t, b, false)
	obs := newFakeConn()
	b.caster.subscribeGlobal(newSafeConn(obs, 0))

	b.handleModelEvent(sess, []byte(`{"type":"error","error":{"type":"invalid_request_error","code":"bad_session","message":"boom"}}`))

	events := decodeEvents(t, obs.textFrames())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Equal(t, "Error: boom", events[0].Summary)

	payload, ok := events[0].Payload.(map[string]any)
	require.True(t, ok)
	inner, ok := payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bad_session", inner["code"])
}

func TestHandleModelEventUnparseable(t *testing.T) {
	b := newTestBridge()
	sess, twilio := newStreamingSession(t, b, false)

	b.handleModelEvent(sess, []byte(`not json at all`))

	assert.Empty(t, twilio.textFrames())
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.ParseErrors.WithLabelValues("openai")))
}

func TestConnectModelDialFailure(t *testing.T) {
	b := newTestBridge()
	b.withFakeDialer(nil, errors.New("connection refused"))
	sess, _ := newStreamingSession(t, b, false)

	obs := newFakeConn()
	b.caster.subscribeGlobal(newSafeConn(obs, 0))

	b.connectModel(sess)

	events := decodeEvents(t, obs.textFrames())
	require.Len(t, events, 1)
	assert.Equal(t, eventOpenAIError, events[0].Type)
	assert.Equal(t, "OpenAI connection error", events[0].Summary)
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.ModelConnectFailures))
	assert.Nil(t, sess.modelConn())
}

func TestConnectModelAfterTerminationClosesConn(t *testing.T) {
	b := newTestBridge()
	model := newFakeConn()
	b.withFakeDialer(model, nil)
	sess, _ := newStreamingSession(t, b, false)
	sess.markTerminated()

	b.connectModel(sess)

	assert.Nil(t, sess.modelConn())
	_, _, err := model.ReadMessage()
	assert.Error(t, err, "the orphaned dial must be closed")
	assert.Empty(t, model.textFrames(), "no session.update on a dead call")
}

func TestConnectModelSendsSessionUpdateAndRunsLoop(t *testing.T) {
	b := newTestBridge()
	model := newFakeConn()
	b.withFakeDialer(model, nil)
	sess, twilio := newStreamingSession(t, b, false)

	obs := newFakeConn()
	b.caster.subscribeGlobal(newSafeConn(obs, 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.connectModel(sess)
	}()

	frames := model.waitTextFrames(1, time.Second)
	require.Len(t, frames, 1)
	var upd sessionUpdate
	require.NoError(t, sonic.Unmarshal(frames[0], &upd))
	assert.Equal(t, "session.update", upd.Type)

	model.pushString(`{"type":"response.audio.delta","delta":"QUFBQQ=="}`)
	assert.Eventually(t, func() bool {
		return len(twilio.textFrames()) == 1
	}, time.Second, time.Millisecond)

	model.endInput()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("model loop did not exit on disconnect")
	}

	var types []string
	for _, ev := range decodeEvents(t, obs.textFrames()) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, eventOpenAIConnected)
	assert.Contains(t, types, eventOpenAIDisconnected)
}
