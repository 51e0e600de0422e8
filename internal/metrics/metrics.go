package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus instruments for the bridge.
type Metrics struct {
	// Session lifecycle
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected prometheus.Counter

	// Audio relay
	FramesToModel  prometheus.Counter
	FramesToCaller prometheus.Counter
	FramesDropped  prometheus.Counter
	BargeIns       prometheus.Counter

	// Event fan-out
	EventsBroadcast prometheus.Counter
	ObserversActive prometheus.Gauge

	// Failures, labeled by connection side (twilio / openai)
	ParseErrors          *prometheus.CounterVec
	ModelConnectFailures prometheus.Counter
}

// New creates and registers all bridge metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Number of call sessions currently registered",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_created_total",
			Help: "Total number of call sessions created",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_rejected_total",
			Help: "Total number of media-stream connections rejected (duplicate call id)",
		}),
		FramesToModel: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_to_model_total",
			Help: "Total audio frames forwarded from the telephony side to the model",
		}),
		FramesToCaller: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_to_caller_total",
			Help: "Total audio frames forwarded from the model to the telephony side",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_dropped_total",
			Help: "Total audio frames dropped because no stream handle was available",
		}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_barge_ins_total",
			Help: "Total clear messages sent to the telephony side on caller speech",
		}),
		EventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_broadcast_total",
			Help: "Total events fanned out to observers",
		}),
		ObserversActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_observers_active",
			Help: "Number of connected event-stream observers",
		}),
		ParseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_parse_errors_total",
			Help: "Total unparseable messages, by connection side",
		}, []string{"side"}),
		ModelConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_model_connect_failures_total",
			Help: "Total failed connection attempts to the realtime endpoint",
		}),
	}
}
