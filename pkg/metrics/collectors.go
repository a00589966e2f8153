package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus instruments exported at /metrics.
type Collectors struct {
	// LLMRequests counts model calls by logical model and status
	// (success|rate_limited|timeout|cancelled|upstream|invalid).
	LLMRequests *prometheus.CounterVec

	// LLMTokens tracks token consumption by model and type
	// (input|output|thinking).
	LLMTokens *prometheus.CounterVec

	// LLMFirstToken measures time to first streamed token in seconds.
	LLMFirstToken *prometheus.HistogramVec

	// LLMDuration measures full model call latency in seconds.
	LLMDuration *prometheus.HistogramVec

	// ToolDuration measures tool execution time in seconds.
	ToolDuration *prometheus.HistogramVec

	// EmbeddingTokens counts embedding input tokens by model.
	EmbeddingTokens *prometheus.CounterVec

	// ActiveExecutions gauges flow executions currently running.
	ActiveExecutions prometheus.Gauge
}

// NewCollectors creates and registers the instruments with reg.
// Tests pass a private registry to avoid duplicate registration.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_llm_requests_total",
				Help: "Total number of LLM calls by model and status",
			},
			[]string{"model", "status"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_llm_tokens_total",
				Help: "Total number of tokens consumed by model and type",
			},
			[]string{"model", "type"},
		),
		LLMFirstToken: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowd_llm_first_token_seconds",
				Help:    "Time to first streamed token in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowd_llm_request_duration_seconds",
				Help:    "Duration of LLM calls in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"model"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowd_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		EmbeddingTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowd_embedding_tokens_total",
				Help: "Total embedding input tokens by model",
			},
			[]string{"model"},
		),
		ActiveExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowd_active_executions",
				Help: "Number of flow executions currently running",
			},
		),
	}
}
