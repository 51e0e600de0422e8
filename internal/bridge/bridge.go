package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-bridge/internal/config"
	"github.com/bt-bridge/voice-bridge/internal/metrics"
	"github.com/bt-bridge/voice-bridge/shared"
)

// ModelDialer opens the outbound connection to the realtime endpoint.
// Injectable so tests can substitute a fake transport.
type ModelDialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// Bridge ties the session registry, broadcaster, and relay loops together.
// One Bridge per process, constructed once at startup and passed into every
// connection handler; there is no package-level mutable state.
type Bridge struct {
	logger   shared.LoggerAdapter
	cfg      *config.Config
	metrics  *metrics.Metrics
	registry *Registry
	caster   *Broadcaster
	dial     ModelDialer
}

func New(logger shared.LoggerAdapter, cfg *config.Config, m *metrics.Metrics) *Bridge {
	registry := NewRegistry(cfg.Bridge.RemoveDelay())
	registry.SetOnChange(func(n int) {
		m.ActiveSessions.Set(float64(n))
	})
	return &Bridge{
		logger:   logger,
		cfg:      cfg,
		metrics:  m,
		registry: registry,
		caster:   NewBroadcaster(logger, m, registry),
		dial:     dialRealtime,
	}
}

func dialRealtime(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	return conn, nil
}

// Registry exposes the session table for liveness checks and tests.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Broadcaster exposes the event fan-out.
func (b *Bridge) Broadcaster() *Broadcaster {
	return b.caster
}

// HandleEvents runs an observer connection until the peer disconnects. With a
// call identifier the observer receives only that call's events; without one
// it receives every call's. Subscribing to an already-ended call keeps the
// connection open but delivers nothing further.
func (b *Bridge) HandleEvents(conn Conn, callID string) {
	sc := newSafeConn(conn, b.cfg.Bridge.WriteTimeout())
	defer func() {
		_ = sc.Close()
	}()

	welcome := LoggedEvent{
		Type:      eventObserverConnected,
		Source:    SourceSystem,
		Direction: DirectionIncoming,
		Timestamp: time.Now().UTC(),
		Summary:   "Connected to event stream",
	}
	if data, err := sonic.Marshal(welcome); err == nil {
		if err := sc.WriteText(data); err != nil {
			return
		}
	}

	detach := func() {}
	switch {
	case callID == "":
		b.caster.subscribeGlobal(sc)
		detach = func() { b.caster.unsubscribeGlobal(sc) }
	default:
		if sess, ok := b.registry.Lookup(callID); ok {
			sess.addObserver(sc)
			detach = func() { sess.removeObserver(sc) }
		} else {
			// Stays connected but receives nothing further.
			b.logger.Warn("observer for unknown call", zap.String("callId", callID), zap.Error(shared.ErrSessionNotFound))
		}
	}
	b.metrics.ObserversActive.Inc()
	b.logger.Info("observer connected", zap.String("callId", callID))
	defer func() {
		detach()
		b.metrics.ObserversActive.Dec()
		b.logger.Info("observer disconnected", zap.String("callId", callID))
	}()

	// Observer-only connection: inbound messages are read and discarded.
	for {
		if _, _, err := sc.ReadMessage(); err != nil {
			return
		}
	}
}

// Shutdown closes every open connection so in-flight sends fail fast.
func (b *Bridge) Shutdown() {
	b.registry.CloseAll()
	b.caster.CloseAll()
}
