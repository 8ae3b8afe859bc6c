package attach

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	attachments *prometheus.CounterVec
	detachments prometheus.Counter
	attached    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jvmgetter_thread_attachments_total",
			Help: "Total number of environment requests by outcome",
		}, []string{"kind"}),
		detachments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jvmgetter_thread_detachments_total",
			Help: "Total number of threads detached on release",
		}),
		attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jvmgetter_attached_threads",
			Help: "Number of threads currently attached by jvmgetter",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.attachments,
			m.detachments,
			m.attached,
		)
	}
	return m
}
