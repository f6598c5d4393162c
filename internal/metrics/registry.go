// Package metrics exposes the gateway's Prometheus instrumentation. A
// Registry owns its own prometheus.Registry so tests can build as many
// as they need without double-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every metric the gateway records.
type Registry struct {
	reg *prometheus.Registry

	// Webhook pipeline
	WebhooksTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Order execution
	OrdersTotal  *prometheus.CounterVec
	AdapterCalls *prometheus.HistogramVec

	// Gates
	GateRejections *prometheus.CounterVec
	MLDecisions    *prometheus.CounterVec

	// Position book and reconciliation
	OpenPositions     prometheus.Gauge
	ReconcileSweeps   prometheus.Counter
	ReconcileClosures *prometheus.CounterVec

	// Copy trading
	CopyFanouts *prometheus.CounterVec

	// Audit sink
	AuditQueueDepth prometheus.Gauge
	AuditDropped    *prometheus.CounterVec
}

// NewRegistry builds and registers all gateway metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_webhooks_total",
				Help: "Webhook dispatches by outcome (opened, closed, or an error kind)",
			},
			[]string{"outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradegate_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"route", "status"},
		),

		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_orders_total",
				Help: "Orders placed by venue, action, and resulting status",
			},
			[]string{"venue", "action", "status"},
		),

		AdapterCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradegate_adapter_call_seconds",
				Help:    "Venue adapter call latency by venue, call, and result",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"venue", "call", "result"},
		),

		GateRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_gate_rejections_total",
				Help: "Risk and quota gate rejections by limit type",
			},
			[]string{"limit_type"},
		),

		MLDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_ml_decisions_total",
				Help: "ML validation verdicts (allowed, denied, fail_open)",
			},
			[]string{"verdict"},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_open_positions",
				Help: "Number of positions currently tracked",
			},
		),

		ReconcileSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradegate_reconcile_sweeps_total",
				Help: "Reconciliation sweeps completed",
			},
		),

		ReconcileClosures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_reconcile_closures_total",
				Help: "Out-of-band position closures detected, by exit reason",
			},
			[]string{"exit_reason"},
		),

		CopyFanouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_copy_fanouts_total",
				Help: "Copy-trading follower replications by result",
			},
			[]string{"result"},
		),

		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradegate_audit_queue_depth",
				Help: "Entries waiting in the audit sink queue",
			},
		),

		AuditDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_audit_dropped_total",
				Help: "Audit writes dropped on overflow or write failure, by kind",
			},
			[]string{"kind"},
		),
	}

	r.reg.MustRegister(
		r.WebhooksTotal,
		r.RequestDuration,
		r.OrdersTotal,
		r.AdapterCalls,
		r.GateRejections,
		r.MLDecisions,
		r.OpenPositions,
		r.ReconcileSweeps,
		r.ReconcileClosures,
		r.CopyFanouts,
		r.AuditQueueDepth,
		r.AuditDropped,
	)

	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// CounterValue reads the current value of a counter, for roll-ups and
// assertions.
func CounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads the current value of a gauge.
func GaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// HistogramCount reads the sample count of one histogram series.
func HistogramCount(v *prometheus.HistogramVec, labels ...string) uint64 {
	o, err := v.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &dto.Metric{}
	if err := o.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}
