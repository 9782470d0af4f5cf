package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PlatesRelay/service/backplane"
)

const namespace = "relay"

// Metrics groups the relay collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sessions       prometheus.Gauge
	admissions     *prometheus.CounterVec
	frames         prometheus.Counter
	publishes      *prometheus.CounterVec
	publishErrors  prometheus.Counter
	deliveries     *prometheus.CounterVec
	backplaneState *prometheus.GaugeVec
}

func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open client sessions on this process.",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Connection admission decisions.",
		}, []string{"result"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Text frames received from clients.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Messages published to the backplane.",
		}, []string{"channel"}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Backplane publishes that failed.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Envelopes handed to client send queues.",
		}, []string{"result"}),
		backplaneState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backplane_state",
			Help:      "Backplane connection state (0 disconnected, 1 connecting, 2 connected, 3 backoff).",
		}, []string{"conn"}),
	}
	r.MustRegister(m.sessions, m.admissions, m.frames, m.publishes, m.publishErrors, m.deliveries, m.backplaneState)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Admission(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.admissions.WithLabelValues("accepted").Inc()
	} else {
		m.admissions.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.frames.Inc()
	}
}

func (m *Metrics) Published(channel string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishErrors.Inc()
		return
	}
	m.publishes.WithLabelValues(channel).Inc()
}

func (m *Metrics) Delivered(delivered, dropped int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("dropped").Add(float64(dropped))
}

// BackplaneState matches backplane.SupervisorConf.OnState.
func (m *Metrics) BackplaneState(conn string, s backplane.State) {
	if m != nil {
		m.backplaneState.WithLabelValues(conn).Set(float64(s))
	}
}
