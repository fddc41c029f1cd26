// Package metrics provides Prometheus metrics for the stage coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	StageExecutions     *prometheus.CounterVec
	FallbacksUsed       *prometheus.CounterVec
	AdmissionRejections *prometheus.CounterVec
	ReservationsTotal   *prometheus.CounterVec
	ActiveReservations  prometheus.Gauge
	ProjectBudget       *prometheus.GaugeVec
	AdapterLatency      *prometheus.HistogramVec
	AssetsCold          prometheus.Counter
	IdempotentReplays   prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		StageExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecoord_stage_executions_total",
				Help: "Stage executions by stage type and outcome.",
			},
			[]string{"stage_type", "outcome"},
		),
		FallbacksUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecoord_fallbacks_used_total",
				Help: "Executions that succeeded on a fallback provider.",
			},
			[]string{"capability", "provider"},
		),
		AdmissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecoord_admission_rejections_total",
				Help: "Executions rejected before any adapter call, by code.",
			},
			[]string{"code"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecoord_reservations_total",
				Help: "Credit reservation transitions by resulting status.",
			},
			[]string{"status"},
		),
		ActiveReservations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stagecoord_active_reservations",
				Help: "Credit reservations currently held across all users.",
			},
		),
		ProjectBudget: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stagecoord_project_budget_remaining",
				Help: "Remaining project budget after the last execution.",
			},
			[]string{"project_id"},
		),
		AdapterLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagecoord_adapter_latency_seconds",
				Help:    "Adapter call latency by provider and result.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "result"},
		),
		AssetsCold: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stagecoord_assets_cold_total",
				Help: "Assets transitioned to cold storage.",
			},
		),
		IdempotentReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stagecoord_idempotent_replays_total",
				Help: "Requests answered from a stored idempotent response.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagecoord_errors_total",
				Help: "Swallowed errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.StageExecutions)
	reg.MustRegister(m.FallbacksUsed)
	reg.MustRegister(m.AdmissionRejections)
	reg.MustRegister(m.ReservationsTotal)
	reg.MustRegister(m.ActiveReservations)
	reg.MustRegister(m.ProjectBudget)
	reg.MustRegister(m.AdapterLatency)
	reg.MustRegister(m.AssetsCold)
	reg.MustRegister(m.IdempotentReplays)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExecution counts a terminal execution.
func (m *Metrics) RecordExecution(stageType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.StageExecutions.WithLabelValues(stageType, outcome).Inc()
}

// RecordFallback counts a success served by a fallback.
func (m *Metrics) RecordFallback(capability, provider string) {
	m.FallbacksUsed.WithLabelValues(capability, provider).Inc()
}

// RecordAdmissionRejection counts an execution stopped before any adapter call.
func (m *Metrics) RecordAdmissionRejection(code string) {
	m.AdmissionRejections.WithLabelValues(code).Inc()
}

// RecordReservation counts a reservation reaching status.
func (m *Metrics) RecordReservation(status string) {
	m.ReservationsTotal.WithLabelValues(status).Inc()
}

// RecordReservations counts n reservations reaching status.
func (m *Metrics) RecordReservations(status string, n int) {
	m.ReservationsTotal.WithLabelValues(status).Add(float64(n))
}

// SetActiveReservations sets the global active reservation gauge.
func (m *Metrics) SetActiveReservations(n int) {
	m.ActiveReservations.Set(float64(n))
}

// SetProjectBudget records a project's remaining budget.
func (m *Metrics) SetProjectBudget(projectID string, remaining float64) {
	m.ProjectBudget.WithLabelValues(projectID).Set(remaining)
}

// ObserveAdapter records one adapter call.
func (m *Metrics) ObserveAdapter(provider string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AdapterLatency.WithLabelValues(provider, result).Observe(d.Seconds())
}

// RecordAssetsCold counts assets moved to cold storage.
func (m *Metrics) RecordAssetsCold(n int) {
	m.AssetsCold.Add(float64(n))
}

// RecordReplay counts an idempotent replay.
func (m *Metrics) RecordReplay() {
	m.IdempotentReplays.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
