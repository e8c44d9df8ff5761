package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mirror"

// registry lazily creates one vector per metric name. The label set used on
// the first call fixes the label names for that metric; later calls with a
// different set are dropped and counted in mirror_metric_label_mismatch_total.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	mismatch prometheus.Counter
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		reg:      prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		mismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_label_mismatch_total",
			Help:      "Metric updates dropped because their label set did not match the registered one.",
		}),
	}
	r.reg.MustRegister(
		r.mismatch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, lbl map[string]string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.counters[name]
	if !ok {
		v = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, labelNames(lbl))
		r.reg.MustRegister(v)
		r.counters[name] = v
	}
	return v
}

func (r *registry) gauge(name string, lbl map[string]string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[name]
	if !ok {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, labelNames(lbl))
		r.reg.MustRegister(v)
		r.gauges[name] = v
	}
	return v
}

func (r *registry) histogram(name string, lbl map[string]string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.hist[name]
	if !ok {
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(lbl))
		r.reg.MustRegister(v)
		r.hist[name] = v
	}
	return v
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	c, err := reg.counter(name, labels).GetMetricWith(labels)
	if err != nil {
		reg.mismatch.Inc()
		return
	}
	c.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	g, err := reg.gauge(name, labels).GetMetricWith(labels)
	if err != nil {
		reg.mismatch.Inc()
		return
	}
	g.Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	h, err := reg.histogram(name, labels).GetMetricWith(labels)
	if err != nil {
		reg.mismatch.Inc()
		return
	}
	h.Observe(value)
}

// RecordDuration records a duration in seconds under name+"_seconds".
func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_seconds", d.Seconds(), labels)
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func Gatherer() prometheus.Gatherer {
	return reg.reg
}
