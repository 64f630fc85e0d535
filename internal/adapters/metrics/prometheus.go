package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroagent_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neuroagent_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	StreamTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuroagent_stream_turns_total",
		Help: "Total agent loop turns streamed",
	})

	ToolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroagent_tool_executions_total",
		Help: "Total tool executions",
	}, []string{"tool", "status"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroagent_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"route"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "neuroagent_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	TokensConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuroagent_tokens_consumed_total",
		Help: "Tokens consumed per task and token type",
	}, []string{"task", "type"})
)
