package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbmaintain"

// Collector holds the engine's Prometheus metrics in its own registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	ScriptsExecuted *prometheus.CounterVec
	ScriptDuration  *prometheus.HistogramVec
	UpdateRuns      *prometheus.CounterVec
	ClearPasses     *prometheus.CounterVec
	ObjectsDropped  *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		ScriptsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_executed_total",
			Help:      "Total number of executed scripts by outcome",
		}, []string{"database", "outcome"}),
		ScriptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_duration_seconds",
			Help:      "Duration of script executions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database"}),
		UpdateRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_runs_total",
			Help:      "Total number of update runs by result",
		}, []string{"result"}),
		ClearPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clear_passes_total",
			Help:      "Total number of schema clearing passes",
		}, []string{"database"}),
		ObjectsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_dropped_total",
			Help:      "Total number of dropped database objects by type",
		}, []string{"database", "type"}),
	}
	reg.MustRegister(c.ScriptsExecuted, c.ScriptDuration, c.UpdateRuns, c.ClearPasses, c.ObjectsDropped)
	return c
}

func (c *Collector) RecordScript(database string, err error, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.ScriptsExecuted.WithLabelValues(database, outcome).Inc()
	c.ScriptDuration.WithLabelValues(database).Observe(d.Seconds())
}

// RecordUpdateRun counts one UpdateDatabase call. result is one of
// "up_to_date", "updated", "dry_run" or "failed".
func (c *Collector) RecordUpdateRun(result string) {
	if c == nil {
		return
	}
	c.UpdateRuns.WithLabelValues(result).Inc()
}

func (c *Collector) RecordClearPass(database string) {
	if c == nil {
		return
	}
	c.ClearPasses.WithLabelValues(database).Inc()
}

func (c *Collector) RecordDrop(database, objectType string) {
	if c == nil {
		return
	}
	c.ObjectsDropped.WithLabelValues(database, objectType).Inc()
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
