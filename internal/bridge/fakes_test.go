package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bt-bridge/voice-bridge/internal/config"
	"github.com/bt-bridge/voice-bridge/internal/metrics"
	"github.com/bt-bridge/voice-bridge/shared"
)

var errFakeConnClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn. Tests push inbound frames with push and
// inspect outbound frames with textFrames / closeFrames.
type fakeConn struct {
	inbound chan []byte
	done    chan struct{}

	mu         sync.Mutex
	frames     [][]byte
	frameTypes []int
	failWrites bool

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) push(data []byte) {
	f.inbound <- []byte(data)
}

func (f *fakeConn) pushString(data string) {
	f.push([]byte(data))
}

// endInput makes the next ReadMessage fail once buffered frames drain, the
// way a peer hangup does.
func (f *fakeConn) endInput() {
	close(f.inbound)
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-f.done:
		return 0, nil, errFakeConnClosed
	default:
	}
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errFakeConnClosed
		}
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, errFakeConnClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errFakeConnClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	f.frameTypes = append(f.frameTypes, messageType)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

// textFrames returns every text frame written so far.
func (f *fakeConn) textFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for i, data := range f.frames {
		if f.frameTypes[i] == websocket.TextMessage {
			out = append(out, data)
		}
	}
	return out
}

// closeFrames returns every close frame written so far, raw.
func (f *fakeConn) closeFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for i, data := range f.frames {
		if f.frameTypes[i] == websocket.CloseMessage {
			out = append(out, data)
		}
	}
	return out
}

// waitTextFrames polls until at least n text frames were written or the
// timeout expires, then returns whatever is there.
func (f *fakeConn) waitTextFrames(n int, timeout time.Duration) [][]byte {
	deadline := time.Now().Add(timeout)
	for {
		frames := f.textFrames()
		if len(frames) >= n || time.Now().After(deadline) {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestBridge() *Bridge {
	cfg := config.Default()
	cfg.OpenAI.APIKey = "test-key"
	m := metrics.New(prometheus.NewRegistry())
	return New(shared.NewNopLogger(), cfg, m)
}

// withFakeDialer swaps the model dialer for one that hands back the given
// conn and records the dial URL and headers.
type fakeDial struct {
	mu     sync.Mutex
	url    string
	header http.Header
	calls  int
}

func (b *Bridge) withFakeDialer(conn Conn, dialErr error) *fakeDial {
	fd := &fakeDial{}
	b.dial = func(_ context.Context, url string, header http.Header) (Conn, error) {
		fd.mu.Lock()
		fd.url = url
		fd.header = header
		fd.calls++
		fd.mu.Unlock()
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
	return fd
}

func (fd *fakeDial) snapshot() (string, http.Header, int) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.url, fd.header, fd.calls
}
