package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ingestEnqueued      prometheus.Counter
	ingestDropped       prometheus.Counter
	dispatched          *prometheus.CounterVec
	broadcastRecipients prometheus.Counter
	clientsConnected    prometheus.Gauge
	connectionsRejected prometheus.Counter
	sendFailures        prometheus.Counter
	codecFailures       prometheus.Counter
}

// NewMetrics creates and registers the gateway metrics. A nil registerer
// returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		ingestEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "ingest_enqueued_total",
			Help:      "Messages accepted into the ingest queue",
		}),
		ingestDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "ingest_dropped_total",
			Help:      "Messages dropped because the ingest queue was full",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "dispatched_total",
			Help:      "Messages dispatched per topic",
		}, []string{"topic"}),
		broadcastRecipients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "broadcast_recipients_total",
			Help:      "Frames delivered to clients",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "robobridge",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "connections_rejected_total",
			Help:      "Connections refused at capacity",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "send_failures_total",
			Help:      "Client sends that failed and evicted the connection",
		}),
		codecFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robobridge",
			Name:      "codec_failures_total",
			Help:      "Messages that could not be encoded",
		}),
	}
	reg.MustRegister(
		m.ingestEnqueued,
		m.ingestDropped,
		m.dispatched,
		m.broadcastRecipients,
		m.clientsConnected,
		m.connectionsRejected,
		m.sendFailures,
		m.codecFailures,
	)
	return m
}

func (m *Metrics) enqueued(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ingestEnqueued.Inc()
	} else {
		m.ingestDropped.Inc()
	}
}

func (m *Metrics) dispatch(topic string, recipients int) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(topic).Inc()
	m.broadcastRecipients.Add(float64(recipients))
}

func (m *Metrics) connected(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) codecFailed() {
	if m == nil {
		return
	}
	m.codecFailures.Inc()
}
