package bridge

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-bridge/internal/metrics"
	"github.com/bt-bridge/voice-bridge/shared"
)

// Broadcaster fans events out to global observers and to the originating
// call's observers. Delivery is best-effort: a failing observer is dropped
// and never blocks the emitting call's processing.
type Broadcaster struct {
	logger   shared.LoggerAdapter
	metrics  *metrics.Metrics
	registry *Registry

	mu     sync.Mutex
	global map[*safeConn]struct{}
}

func NewBroadcaster(logger shared.LoggerAdapter, m *metrics.Metrics, registry *Registry) *Broadcaster {
	return &Broadcaster{
		logger:   logger,
		metrics:  m,
		registry: registry,
		global:   make(map[*safeConn]struct{}),
	}
}

func (b *Broadcaster) subscribeGlobal(sc *safeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global[sc] = struct{}{}
}

func (b *Broadcaster) unsubscribeGlobal(sc *safeConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, sc)
}

// Broadcast serializes the event once and delivers it to a snapshot of the
// global observer set plus the originating call's observers, if the call is
// still resolvable.
func (b *Broadcaster) Broadcast(ev LoggedEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		b.logger.Error("marshaling broadcast event", err, zap.String("type", ev.Type))
		return
	}

	b.mu.Lock()
	targets := make([]*safeConn, 0, len(b.global))
	for sc := range b.global {
		targets = append(targets, sc)
	}
	b.mu.Unlock()

	if ev.CallID != "" {
		if sess, ok := b.registry.Lookup(ev.CallID); ok {
			targets = append(targets, sess.observerList()...)
		}
	}

	for _, sc := range targets {
		if err := sc.WriteText(data); err != nil {
			// Closing unblocks the observer's read loop, which detaches it.
			b.unsubscribeGlobal(sc)
			_ = sc.Close()
			b.logger.Debug("dropping observer after failed write", zap.Error(err))
		}
	}
	b.metrics.EventsBroadcast.Inc()
}

// CloseAll closes every global observer connection.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	conns := make([]*safeConn, 0, len(b.global))
	for sc := range b.global {
		conns = append(conns, sc)
	}
	b.global = make(map[*safeConn]struct{})
	b.mu.Unlock()

	for _, sc := range conns {
		_ = sc.Close()
	}
}
