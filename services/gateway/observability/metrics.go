// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover the whole request pipeline:
//   - Request counters and duration histograms (by endpoint, status)
//   - Token usage (prompt/completion by model)
//   - Rate-limit retry waits (by operation)
//   - Tool-loop detections (by mode)
//   - Upstream failures (by backend, status code)
//   - Active stream gauges, keepalives, client disconnects
//   - Chat command executions (by command, status)
//
// # Integration
//
// Exposed via the /metrics endpoint. All metric operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "strait"

// Subsystem for gateway metrics
const gatewaySubsystem = "gateway"

// GatewayMetrics holds all Prometheus metrics for proxy operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring the request
// pipeline. Initialize once at startup via InitMetrics(); tests build
// isolated instances with NewMetrics and their own registry.
//
// # Thread Safety
//
// All operations are thread-safe.
type GatewayMetrics struct {
	// RequestsTotal counts completed requests by endpoint and status.
	// Labels: endpoint (chat, chat_stream, ws, models), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures total request duration.
	// Labels: endpoint, status
	RequestDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (prompt, completion), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first streamed chunk.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts request failures by category.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// RetryWaitsTotal counts rate-limit waits taken by the retry
	// controller. Labels: operation
	RetryWaitsTotal *prometheus.CounterVec

	// RetryWaitSeconds measures the individual rate-limit waits.
	// Labels: operation
	RetryWaitSeconds *prometheus.HistogramVec

	// LoopDetectionsTotal counts tool-loop triggers by session mode.
	// Labels: mode (warn, block)
	LoopDetectionsTotal *prometheus.CounterVec

	// UpstreamErrorsTotal counts non-rate-limit upstream failures.
	// Labels: backend, code (HTTP status)
	UpstreamErrorsTotal *prometheus.CounterVec

	// CommandsTotal counts chat command executions.
	// Labels: command, status (ok, error, unknown)
	CommandsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of GatewayMetrics.
// Initialized by InitMetrics(); nil until then, so callers outside the
// server bootstrap nil-check it.
var DefaultMetrics *GatewayMetrics

// InitMetrics initializes the default metrics instance on the global
// Prometheus registry. Call once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics builds a metrics set registered on reg. Tests pass their
// own registry so parallel packages never collide on the global one.
func NewMetrics(reg prometheus.Registerer) *GatewayMetrics {
	factory := promauto.With(reg)

	return &GatewayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of proxied requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "request_duration_seconds",
				Help:      "Total request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first streamed chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "errors_total",
				Help:      "Total request failures by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		RetryWaitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "retry_waits_total",
				Help:      "Total rate-limit waits taken before retrying upstream calls",
			},
			[]string{"operation"},
		),

		RetryWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "retry_wait_seconds",
				Help:      "Duration of individual rate-limit waits in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		LoopDetectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "loop_detections_total",
				Help:      "Total tool-call loop triggers by session mode",
			},
			[]string{"mode"},
		),

		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "upstream_errors_total",
				Help:      "Total non-rate-limit upstream failures by backend and status code",
			},
			[]string{"backend", "code"},
		),

		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "commands_total",
				Help:      "Total chat command executions by command and status",
			},
			[]string{"command", "status"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeRouting indicates the model string resolved to no backend.
	ErrorCodeRouting ErrorCode = "routing"

	// ErrorCodeRateLimited indicates retry attempts were exhausted.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeUpstream indicates a non-rate-limit provider failure.
	ErrorCodeUpstream ErrorCode = "upstream"

	// ErrorCodeInternal indicates an internal proxy error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates the client went away mid-request.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a gateway endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChat is the non-streaming chat completion endpoint.
	EndpointChat Endpoint = "chat"

	// EndpointChatStream is the SSE chat completion endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointWebSocket is the WebSocket bridge endpoint.
	EndpointWebSocket Endpoint = "ws"

	// EndpointModels is the aggregated model listing endpoint.
	EndpointModels Endpoint = "models"

	// EndpointSessions is the session admin endpoint family.
	EndpointSessions Endpoint = "sessions"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
func (m *GatewayMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordDuration records a request's total duration.
func (m *GatewayMetrics) RecordDuration(endpoint Endpoint, seconds float64, success bool) {
	m.RequestDurationSeconds.WithLabelValues(string(endpoint), statusLabel(success)).Observe(seconds)
}

// RecordError records a categorized request failure.
func (m *GatewayMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records usage reported by an upstream response.
func (m *GatewayMetrics) RecordTokens(promptTokens, completionTokens int, model string) {
	m.TokensTotal.WithLabelValues("prompt", model).Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("completion", model).Add(float64(completionTokens))
}

// StreamStarted increments the active streams gauge.
func (m *GatewayMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *GatewayMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records latency to the first streamed chunk.
func (m *GatewayMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordRetryWait records one rate-limit wait taken by the retry
// controller. Wired to RetryController.OnWait in the server bootstrap.
func (m *GatewayMetrics) RecordRetryWait(operation string, seconds float64) {
	m.RetryWaitsTotal.WithLabelValues(operation).Inc()
	m.RetryWaitSeconds.WithLabelValues(operation).Observe(seconds)
}

// RecordLoopDetection records a tool-loop trigger.
func (m *GatewayMetrics) RecordLoopDetection(mode string) {
	m.LoopDetectionsTotal.WithLabelValues(mode).Inc()
}

// RecordUpstreamError records a non-rate-limit provider failure.
func (m *GatewayMetrics) RecordUpstreamError(backend string, statusCode int) {
	m.UpstreamErrorsTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
}

// RecordCommand records a chat command execution.
func (m *GatewayMetrics) RecordCommand(command, status string) {
	m.CommandsTotal.WithLabelValues(command, status).Inc()
}

// RecordKeepAlive increments the keepalive counter.
func (m *GatewayMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *GatewayMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
