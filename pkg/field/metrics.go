package field

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	reads *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jvmgetter_static_field_reads_total",
			Help: "Total number of static field reads by path and result",
		}, []string{"path", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.reads)
	}
	return m
}
