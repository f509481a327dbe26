package live

import (
	"github.com/ZenLiuCN/live/pool"
	"github.com/ZenLiuCN/live/registry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK      = "ok"
	resultCompile = "compile"
	resultLink    = "link"
	resultLoad    = "load"
)

type metrics struct {
	builds    *prometheus.CounterVec
	duration  prometheus.Histogram
	publishes prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	gauges    []prometheus.Collector
}

func newMetrics(p *pool.Pool, r *registry.Registry) *metrics {
	m := &metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "live",
			Subsystem: "engine",
			Name:      "builds_total",
			Help:      "Script builds by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "live",
			Subsystem: "engine",
			Name:      "build_duration_seconds",
			Help:      "Time spent compiling, linking and loading one script.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "live",
			Subsystem: "engine",
			Name:      "publishes_total",
			Help:      "Modules published to listeners.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "live",
			Subsystem: "engine",
			Name:      "symbol_misses_total",
			Help:      "Registered routines missing from a loaded module.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "live",
			Subsystem: "engine",
			Name:      "evictions_total",
			Help:      "Scripts evicted after not being seen.",
		}),
	}
	m.gauges = []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "live",
			Subsystem: "pool",
			Name:      "modules_current",
			Help:      "Loaded modules currently published.",
		}, func() float64 {
			c, _ := p.Stats()
			return float64(c)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "live",
			Subsystem: "pool",
			Name:      "modules_draining",
			Help:      "Retired modules kept loaded by outstanding references.",
		}, func() float64 {
			_, d := p.Stats()
			return float64(d)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "live",
			Subsystem: "registry",
			Name:      "scripts",
			Help:      "Scripts known to the registry.",
		}, func() float64 {
			return float64(r.Len())
		}),
	}
	return m
}

func (m *metrics) collectors() []prometheus.Collector {
	return append([]prometheus.Collector{m.builds, m.duration, m.publishes, m.misses, m.evictions}, m.gauges...)
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
