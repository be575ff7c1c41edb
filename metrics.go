package dignode

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the process-wide counters and gauges a running Node
// exposes. They're registered against prometheus.DefaultRegisterer so a
// host process only needs to mount promhttp.Handler() somewhere to scrape
// them; dignode itself never starts its own metrics listener.
type metrics struct {
	transferBytes   *prometheus.CounterVec
	chunksServed    prometheus.Counter
	choketransitions *prometheus.CounterVec
	natOutcomes     *prometheus.CounterVec
	downloadsFailed prometheus.Counter
	openConns       prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dignode",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over chunk transfers, by direction.",
		}, []string{"direction"}),
		chunksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dignode",
			Name:      "chunks_served_total",
			Help:      "Chunk requests this node has served to peers.",
		}),
		choketransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dignode",
			Name:      "choke_transitions_total",
			Help:      "Choke/unchoke decisions made by the fairness scheduler.",
		}, []string{"state"}),
		natOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dignode",
			Name:      "nat_traversal_outcomes_total",
			Help:      "Outcomes of connection attempts, by transport kind and result.",
		}, []string{"kind", "result"}),
		downloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dignode",
			Name:      "downloads_failed_total",
			Help:      "Download jobs that did not complete successfully.",
		}),
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dignode",
			Name:      "open_connections",
			Help:      "Currently open peer connections.",
		}),
	}
	return m
}

// register adds every collector to reg, ignoring AlreadyRegisteredError so
// constructing more than one Node in the same process (as the tests do)
// doesn't panic.
func (m *metrics) register(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		m.transferBytes, m.chunksServed, m.choketransitions,
		m.natOutcomes, m.downloadsFailed, m.openConns,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
