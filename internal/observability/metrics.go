// Package observability holds the Prometheus collectors and the slog setup
// shared by the agent core and its transports.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core emits. Construct one per
// process with NewMetrics and pass it down; a nil *Metrics is safe and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// LoopIterations counts agent loop iterations by model.
	LoopIterations *prometheus.CounterVec

	// TurnsTotal counts completed user turns by terminal outcome
	// (done | error | cancelled | step_budget).
	TurnsTotal *prometheus.CounterVec

	// LLMRequests counts model calls by provider, model, and status.
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens accumulates token usage by provider, model, and
	// direction (input | output).
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	ToolDuration *prometheus.HistogramVec

	// JobStageTransitions counts synthesis stage boundaries by stage.
	JobStageTransitions *prometheus.CounterVec

	// JobsByState counts job terminal transitions by state
	// (succeeded | failed | cancelled | stuck).
	JobsByState *prometheus.CounterVec

	// JobsRunning tracks currently running synthesis jobs.
	JobsRunning prometheus.Gauge

	// HTTPRequests counts REST requests by method, route, and status code.
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures REST request latency in seconds.
	HTTPRequestDuration *prometheus.HistogramVec

	// Errors counts classified failures by component and kind.
	Errors *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		LoopIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_loop_iterations_total",
				Help: "Agent loop iterations by model",
			},
			[]string{"model"},
		),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_turns_total",
				Help: "Completed user turns by outcome",
			},
			[]string{"outcome"},
		),
		LLMRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_llm_requests_total",
				Help: "Model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtlagent_llm_request_duration_seconds",
				Help:    "Model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_llm_tokens_total",
				Help: "Token usage by provider, model, and direction",
			},
			[]string{"provider", "model", "direction"},
		),
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_tool_executions_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtlagent_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),
		JobStageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_job_stage_transitions_total",
				Help: "Synthesis stage boundaries observed in job logs",
			},
			[]string{"stage"},
		),
		JobsByState: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_jobs_total",
				Help: "Synthesis job terminal transitions by state",
			},
			[]string{"state"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtlagent_jobs_running",
				Help: "Currently running synthesis jobs",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_http_requests_total",
				Help: "REST requests by method, route, and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtlagent_http_request_duration_seconds",
				Help:    "REST request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtlagent_errors_total",
				Help: "Classified failures by component and kind",
			},
			[]string{"component", "kind"},
		),
	}

	reg.MustRegister(
		m.LoopIterations,
		m.TurnsTotal,
		m.LLMRequests,
		m.LLMRequestDuration,
		m.LLMTokens,
		m.ToolExecutions,
		m.ToolDuration,
		m.JobStageTransitions,
		m.JobsByState,
		m.JobsRunning,
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.Errors,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveBus registers pull-style collectors over the streaming bus's
// drop counter and subscriber gauge.
func (m *Metrics) ObserveBus(dropped func() uint64, subscribers func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rtlagent_bus_dropped_events_total",
			Help: "Text deltas dropped on subscriber queue overflow",
		}, func() float64 { return float64(dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rtlagent_bus_subscribers",
			Help: "Currently attached stream subscribers",
		}, func() float64 { return float64(subscribers()) }),
	)
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int64) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordLoopIteration records one agent loop iteration.
func (m *Metrics) RecordLoopIteration(model string) {
	if m == nil {
		return
	}
	m.LoopIterations.WithLabelValues(model).Inc()
}

// RecordTurn records a finished user turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordJobStage records one synthesis stage boundary.
func (m *Metrics) RecordJobStage(stage string) {
	if m == nil {
		return
	}
	m.JobStageTransitions.WithLabelValues(stage).Inc()
}

// RecordJobState records a job reaching the given state.
func (m *Metrics) RecordJobState(state string) {
	if m == nil {
		return
	}
	m.JobsByState.WithLabelValues(state).Inc()
}

// JobStarted and JobFinished maintain the running-jobs gauge.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsRunning.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
}

// RecordHTTPRequest records one REST request.
func (m *Metrics) RecordHTTPRequest(method, route, code string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordError records a classified failure.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, kind).Inc()
}
