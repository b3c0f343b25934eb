// Package metrics exports reconciliation metrics. A run is short lived, so
// metrics are written to a node_exporter textfile or pushed to a
// Pushgateway instead of being scraped.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"grimm.is/sgmanager/internal/clock"
	"grimm.is/sgmanager/internal/reconcile"
	"grimm.is/sgmanager/internal/remote"
)

const namespace = "sgmanager"

// Registry holds the reconciliation metrics on a dedicated registry.
type Registry struct {
	reg   *prometheus.Registry
	clock clock.Clock

	Changes       prometheus.Gauge
	Unchanged     prometheus.Gauge
	Percentage    prometheus.Gauge
	Excluded      prometheus.Gauge
	Mutations     *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
	LastRun       *prometheus.GaugeVec
}

// New returns a Registry with every metric registered.
func New(clk clock.Clock) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	r := &Registry{reg: reg, clock: clk}

	r.Changes = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "plan_changes",
		Help:      "Number of changes in the last computed plan",
	})
	r.Unchanged = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "plan_unchanged",
		Help:      "Number of unchanged units in the last computed plan",
	})
	r.Percentage = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "plan_changes_percentage",
		Help:      "Share of changed units in the last computed plan",
	})
	r.Excluded = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "plan_excluded_groups",
		Help:      "Number of remote groups excluded by tag",
	})
	r.Mutations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Remote mutations issued, by operation and status",
	}, []string{"op", "status"})
	r.ApplyDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying a plan",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	r.LastRun = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last apply, by result",
	}, []string{"result"})

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObservePlan implements reconcile.Observer.
func (r *Registry) ObservePlan(p *reconcile.Plan) {
	r.Changes.Set(float64(p.Changes))
	r.Unchanged.Set(float64(p.Unchanged))
	r.Percentage.Set(p.Percentage())
	r.Excluded.Set(float64(len(p.GroupsExcluded)))
}

// ObserveMutation implements reconcile.Observer.
func (r *Registry) ObserveMutation(op string, err error) {
	r.Mutations.WithLabelValues(op, statusString(err)).Inc()
}

// ObserveApply implements reconcile.Observer.
func (r *Registry) ObserveApply(d time.Duration, err error) {
	r.ApplyDuration.Observe(d.Seconds())
	r.LastRun.WithLabelValues(resultString(err)).Set(float64(r.clock.Now().Unix()))
}

// WriteTextfile writes the metrics in the text exposition format, for the
// node_exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends the metrics to a Pushgateway under job.
func (r *Registry) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(r.reg).Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

func statusString(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func resultString(err error) string {
	var opErr *remote.OpError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &opErr):
		return "remote_error"
	default:
		return "error"
	}
}

var _ reconcile.Observer = (*Registry)(nil)
