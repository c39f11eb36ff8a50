// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for turns and tool executions.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/loom/pkg/models"
)

// Metrics is the set of Prometheus collectors the runtime reports into.
type Metrics struct {
	// TurnsTotal counts completed turns.
	// Labels: model, status (success|error|cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds, tool rounds
	// included. Labels: model
	TurnDuration *prometheus.HistogramVec

	// TokensTotal tracks token consumption.
	// Labels: model, type (prompt|completion)
	TokensTotal *prometheus.CounterVec

	// ToolsTotal counts tool invocations.
	// Labels: tool, status (success|error)
	ToolsTotal *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds. Labels: tool
	ToolDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors. A nil registerer uses
// the default registry; tests pass their own to avoid duplicate
// registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Completed agent turns by model and outcome.",
			},
			[]string{"model", "status"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_turn_duration_seconds",
				Help:    "Full turn latency including tool rounds.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tokens_total",
				Help: "Token consumption by model and kind.",
			},
			[]string{"model", "type"},
		),
		ToolsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Tool invocations by name and outcome.",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_duration_seconds",
				Help:    "Tool execution latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
	}
}

// ObserveTurn records one finished turn.
func (m *Metrics) ObserveTurn(model, status string, usage models.TokenUsage, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(model, status).Inc()
	m.TurnDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	m.TokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	m.TokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

// ObserveTool records one tool execution. Satisfies tools.Observer.
func (m *Metrics) ObserveTool(name string, isError bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolsTotal.WithLabelValues(name, status).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
