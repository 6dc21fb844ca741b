package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/dashlink/internal/events"
	"github.com/rickgao/dashlink/internal/router"
	"github.com/rickgao/dashlink/internal/version"
	"github.com/rickgao/dashlink/internal/writer"
)

const namespace = "dashlink"

// Metrics translates bus notifications into Prometheus series. Each
// instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	notifications  *prometheus.CounterVec
	connected      *prometheus.GaugeVec
	degraded       *prometheus.GaugeVec
	polling        prometheus.Gauge
	bufferSize     *prometheus.GaugeVec
	dropped        *prometheus.CounterVec
	reconnectDelay *prometheus.HistogramVec
	messages       *prometheus.CounterVec
}

// New creates Metrics with Go runtime and process collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Connection layer notifications by source and kind",
		}, []string{"source", "kind"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the source is connected",
		}, []string{"source"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 while the source is degraded",
		}, []string{"source"}),
		polling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "polling_fallback_active",
			Help:      "1 while the fallback poller replaces the push channel",
		}),
		bufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Items waiting in the outbound buffer",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_dropped_total",
			Help:      "Items evicted from a full outbound buffer",
		}, []string{"source"}),
		reconnectDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Scheduled reconnect delays",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"source"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by delivery path",
		}, []string{"path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.notifications,
		m.connected,
		m.degraded,
		m.polling,
		m.bufferSize,
		m.dropped,
		m.reconnectDelay,
		m.messages,
		buildInfo(),
	)
	return m
}

func buildInfo() prometheus.Collector {
	info := version.Get()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build version, always 1",
		ConstLabels: prometheus.Labels{
			"version":    info.Version,
			"commit":     info.Commit,
			"go_version": info.GoVersion,
		},
	})
	g.Set(1)
	return g
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Observe records n. It is an events.Handler.
func (m *Metrics) Observe(n events.Notification) {
	source := string(n.Source)
	if n.Kind != events.Message && n.Kind != events.StateChanged {
		m.notifications.WithLabelValues(source, string(n.Kind)).Inc()
	}

	switch n.Kind {
	case events.Connected:
		m.connected.WithLabelValues(source).Set(1)
		m.degraded.WithLabelValues(source).Set(0)
	case events.Disconnected:
		m.connected.WithLabelValues(source).Set(0)
	case events.Degraded:
		m.degraded.WithLabelValues(source).Set(1)
	case events.PollingEnabled:
		m.polling.Set(1)
	case events.PollingDisabled:
		m.polling.Set(0)
	case events.ItemBuffered:
		m.bufferSize.WithLabelValues(source).Set(float64(n.BufferSize))
	case events.ItemDropped:
		m.dropped.WithLabelValues(source).Inc()
	case events.ReconnectScheduled:
		m.reconnectDelay.WithLabelValues(source).Observe(n.Delay.Seconds())
	case events.Message:
		path := router.SourcePush
		if n.Envelope != nil && n.Envelope.Source != "" {
			path = n.Envelope.Source
		}
		m.messages.WithLabelValues(path).Inc()
	}
}

// RegisterRouter exports r's counters.
func (m *Metrics) RegisterRouter(r router.Router) {
	counter := func(name, help string, value func(router.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(r.Stats()))
		})
	}

	m.registry.MustRegister(
		counter("received_total", "Envelopes submitted to the router",
			func(s router.Stats) int64 { return s.MessagesReceived }),
		counter("routed_total", "Envelopes delivered to a handler",
			func(s router.Stats) int64 { return s.MessagesRouted }),
		counter("unknown_total", "Envelopes without a handler",
			func(s router.Stats) int64 { return s.UnknownMessages }),
		counter("dropped_total", "Envelopes dropped on a full queue",
			func(s router.Stats) int64 { return s.Dropped }),
	)
}

// RegisterWriter exports the queue writer's counters.
func (m *Metrics) RegisterWriter(w interface{ Stats() writer.Metrics }) {
	counter := func(name, help string, value func(writer.Metrics) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(w.Stats()))
		})
	}

	m.registry.MustRegister(
		counter("received_total", "Envelopes accepted for writing",
			func(s writer.Metrics) int64 { return s.Received }),
		counter("dropped_total", "Envelopes dropped on a full writer buffer",
			func(s writer.Metrics) int64 { return s.Dropped }),
		counter("stored_total", "Envelopes stored in the queue",
			func(s writer.Metrics) int64 { return s.Stored }),
		counter("failed_total", "Envelopes in batches that failed to store",
			func(s writer.Metrics) int64 { return s.Failed }),
		counter("flushes_total", "Successful batch writes",
			func(s writer.Metrics) int64 { return s.Flushes }),
	)
}
