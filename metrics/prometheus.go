package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	m "github.com/Meander-Cloud/go-valsync/message"
)

var connectionStates = []string{"disconnected", "connecting", "connected"}

// Prometheus implements Collector on top of a prometheus.Registerer.
// Collectors are registered on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	subsystem string
	once      sync.Once

	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	framesMalformed prometheus.Counter
	connectAttempts *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	callbacks       *prometheus.CounterVec
	pingRTT         prometheus.Histogram
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus uses prometheus.DefaultRegisterer when reg is nil and the
// namespace "valsync" when namespace is empty. subsystem separates endpoints
// sharing one registry, e.g. "client" and "server".
func NewPrometheus(reg prometheus.Registerer, namespace, subsystem string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "valsync"
	}

	return &Prometheus{reg: reg, namespace: namespace, subsystem: subsystem}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "frames_sent_total",
			Help:      "Frames written to the socket by kind.",
		}, []string{"kind"})

		p.framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "frames_received_total",
			Help:      "Well-formed frames read from the socket by kind.",
		}, []string{"kind"})

		p.framesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "frames_malformed_total",
			Help:      "Frames dropped because they could not be decoded.",
		})

		p.connectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "connect_attempts_total",
			Help:      "Dial or accept attempts by result.",
		}, []string{"result"})

		p.connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"})

		p.callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "callbacks_total",
			Help:      "Value monitor callbacks by outcome.",
		}, []string{"outcome"})

		p.pingRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: p.subsystem,
			Name:      "ping_rtt_seconds",
			Help:      "Heartbeat round-trip samples in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		})

		p.reg.MustRegister(p.framesSent)
		p.reg.MustRegister(p.framesReceived)
		p.reg.MustRegister(p.framesMalformed)
		p.reg.MustRegister(p.connectAttempts)
		p.reg.MustRegister(p.connectionState)
		p.reg.MustRegister(p.callbacks)
		p.reg.MustRegister(p.pingRTT)
	})
}

func (p *Prometheus) FrameSent(kind m.Kind) {
	p.ensureRegistered()
	p.framesSent.WithLabelValues(kindLabel(kind)).Inc()
}

func (p *Prometheus) FrameReceived(kind m.Kind) {
	p.ensureRegistered()
	p.framesReceived.WithLabelValues(kindLabel(kind)).Inc()
}

func (p *Prometheus) FrameMalformed() {
	p.ensureRegistered()
	p.framesMalformed.Inc()
}

func (p *Prometheus) ConnectAttempt(success bool) {
	p.ensureRegistered()
	result := "failure"
	if success {
		result = "success"
	}
	p.connectAttempts.WithLabelValues(result).Inc()
}

func (p *Prometheus) ConnectionState(state string) {
	p.ensureRegistered()
	for _, s := range connectionStates {
		if s == state {
			p.connectionState.WithLabelValues(s).Set(1)
		} else {
			p.connectionState.WithLabelValues(s).Set(0)
		}
	}
}

func (p *Prometheus) CallbackDispatched() {
	p.ensureRegistered()
	p.callbacks.WithLabelValues("dispatched").Inc()
}

func (p *Prometheus) CallbackDropped() {
	p.ensureRegistered()
	p.callbacks.WithLabelValues("dropped").Inc()
}

func (p *Prometheus) CallbackPanicked() {
	p.ensureRegistered()
	p.callbacks.WithLabelValues("panicked").Inc()
}

func (p *Prometheus) PingSample(rtt time.Duration) {
	p.ensureRegistered()
	p.pingRTT.Observe(rtt.Seconds())
}

func kindLabel(kind m.Kind) string {
	switch kind {
	case m.KindValue:
		return "value"
	case m.KindPing:
		return "ping"
	case m.KindPong:
		return "pong"
	default:
		return "invalid"
	}
}
