package symtab

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	resolutions *prometheus.CounterVec
	moduleErrs  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jvmgetter_symbol_resolutions_total",
			Help: "Total number of symbol lookups by strategy and result",
		}, []string{"source", "result"}),
		moduleErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jvmgetter_symbol_module_errors_total",
			Help: "Total number of modules that could not be scanned",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.resolutions,
			m.moduleErrs,
		)
	}
	return m
}
