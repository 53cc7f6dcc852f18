// Package metrics exposes master counters in the Prometheus format. Every
// method is safe on a nil *Registry, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "metacat"

	resultLabel = "result"
	typeLabel   = "type"
	stateLabel  = "state"
)

type Registry struct {
	reg *prometheus.Registry

	tables           prometheus.Gauge
	tablets          prometheus.Gauge
	namespaces       prometheus.Gauge
	leaderlessTablet prometheus.Gauge
	liveTServers     prometheus.Gauge

	heartbeats      prometheus.Counter
	tasks           *prometheus.CounterVec
	sysWrites       *prometheus.CounterVec
	sysMutations    prometheus.Counter
	sysWriteLatency prometheus.Histogram
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		tables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tables",
			Help:      "Number of tables known to the catalog, deleted ones excluded",
		}),
		tablets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tablets",
			Help:      "Number of tablets known to the catalog",
		}),
		namespaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "namespaces",
			Help:      "Number of namespaces known to the catalog",
		}),
		leaderlessTablet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leaderless_tablets",
			Help:      "Running tablets without a reported leader",
		}),
		liveTServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_tservers",
			Help:      "Tablet servers that heartbeated within the unresponsive timeout",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tserver_heartbeats_total",
			Help:      "Tablet reports processed",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished table tasks by type and final state",
		}, []string{typeLabel, stateLabel}),
		sysWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sys_catalog",
			Name:      "writes_total",
			Help:      "Sys catalog write batches by result",
		}, []string{resultLabel}),
		sysMutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sys_catalog",
			Name:      "mutations_total",
			Help:      "Mutations submitted to the sys catalog",
		}),
		sysWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sys_catalog",
			Name:      "write_duration_seconds",
			Help:      "Latency of sys catalog write batches",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.tables, r.tablets, r.namespaces, r.leaderlessTablet, r.liveTServers,
		r.heartbeats, r.tasks, r.sysWrites, r.sysMutations, r.sysWriteLatency,
	)
	return r
}

// Handler serves the registry.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer is used by tests to read values back.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) SetCatalogSize(namespaces, tables, tablets int) {
	if r == nil {
		return
	}
	r.namespaces.Set(float64(namespaces))
	r.tables.Set(float64(tables))
	r.tablets.Set(float64(tablets))
}

func (r *Registry) SetLeaderlessTablets(n int) {
	if r == nil {
		return
	}
	r.leaderlessTablet.Set(float64(n))
}

func (r *Registry) SetLiveTServers(n int) {
	if r == nil {
		return
	}
	r.liveTServers.Set(float64(n))
}

func (r *Registry) IncHeartbeats() {
	if r == nil {
		return
	}
	r.heartbeats.Inc()
}

func (r *Registry) IncTask(taskType, state string) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(taskType, state).Inc()
}

func (r *Registry) ObserveSysCatalogWrite(mutations int, took time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.sysWrites.WithLabelValues(result).Inc()
	r.sysMutations.Add(float64(mutations))
	r.sysWriteLatency.Observe(took.Seconds())
}
