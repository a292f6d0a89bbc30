package tracker

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	peers   prometheus.Gauge
	relayed prometheus.Counter
	failed  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peer_touch_tracker_peers",
			Help: "Number of peers currently registered",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_touch_tracker_signals_relayed_total",
			Help: "Total number of signals delivered to their target",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peer_touch_tracker_signals_failed_total",
			Help: "Total number of signals that could not be delivered",
		}),
	}
	reg.MustRegister(m.peers, m.relayed, m.failed)
	return m
}
