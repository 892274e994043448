package stick

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transactions   *prometheus.CounterVec
	reconnects     prometheus.Counter
	protocolErrors prometheus.Counter
	queueLength    prometheus.Gauge
	state          prometheus.Gauge
	status         *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elero",
			Subsystem: "stick",
			Name:      "transactions_total",
			Help:      "Request/response transactions with the stick by command type and result.",
		}, []string{"type", "result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elero",
			Subsystem: "stick",
			Name:      "reconnects_total",
			Help:      "Connection attempts after the link was lost or could not be opened.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elero",
			Subsystem: "stick",
			Name:      "protocol_errors_total",
			Help:      "Frames dropped because they failed to decode.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elero",
			Subsystem: "stick",
			Name:      "queue_length",
			Help:      "Commands waiting in the scheduler queue.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elero",
			Subsystem: "stick",
			Name:      "state",
			Help:      "Engine state: 0 disconnected, 1 connecting, 2 discovering, 3 running.",
		}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "elero",
			Subsystem: "channel",
			Name:      "status_code",
			Help:      "Last status code reported for a channel.",
		}, []string{"channel"}),
	}
	for _, c := range []prometheus.Collector{
		m.transactions, m.reconnects, m.protocolErrors, m.queueLength, m.state, m.status,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) transaction(typ CommandType, result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(typ.String(), result).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) protocolError(error) {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) setQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) setStatus(channel int, st ResponseStatus) {
	if m == nil {
		return
	}
	m.status.WithLabelValues(strconv.Itoa(channel)).Set(float64(st))
}
