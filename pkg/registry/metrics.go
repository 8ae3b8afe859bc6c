package registry

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	resolutions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jvmgetter_root_handle_resolutions_total",
			Help: "Total number of root handle lookups by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.resolutions)
	}
	return m
}
