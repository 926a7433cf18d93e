package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus records consumer events as Prometheus counters/gauges, grounded
// on the promauto idiom used throughout
// kstaniek-go-ampio-server/internal/metrics/metrics.go (NewCounter,
// NewGaugeVec with a "where"-style label). Unlike that package's global
// package-level vars registered against the default registerer, this
// Recorder is instance-scoped so more than one Consumer (or more than one
// test) can coexist without colliding metric names.
type Prometheus struct {
	received    prometheus.Counter
	finished    prometheus.Counter
	requeued    prometheus.Counter
	connections prometheus.Gauge
	rdy         *prometheus.GaugeVec
}

// NewPrometheus registers a Consumer's metrics under the given namespace
// against reg (pass prometheus.DefaultRegisterer for the global registry).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages delivered to the consumer.",
		}),
		finished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_finished_total",
			Help:      "Total messages acknowledged with FIN.",
		}),
		requeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_requeued_total",
			Help:      "Total messages acknowledged with REQ.",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Current number of live broker connections.",
		}),
		rdy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_rdy",
			Help:      "Last RDY count sent to each broker connection.",
		}, []string{"addr"}),
	}
}

func (p *Prometheus) MessageReceived()         { p.received.Inc() }
func (p *Prometheus) MessageFinished()         { p.finished.Inc() }
func (p *Prometheus) MessageRequeued()         { p.requeued.Inc() }
func (p *Prometheus) ConnectionsChanged(n int) { p.connections.Set(float64(n)) }
func (p *Prometheus) RDYChanged(addr string, n int64) {
	p.rdy.WithLabelValues(addr).Set(float64(n))
}
