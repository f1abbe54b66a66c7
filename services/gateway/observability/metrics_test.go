// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a GatewayMetrics instance with its own registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *GatewayMetrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics registers with the default Prometheus registry. This
// test must only run once per test binary execution since duplicate
// registration will panic.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per test run (default registry restriction)")
	}
	initMetricsTestOnce = true

	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	// Verify metrics can be used
	result.RecordRequest(EndpointChat, true)
	result.RecordError(EndpointChatStream, ErrorCodeUpstream)
	result.RecordTokens(100, 50, "smart-model")
	result.StreamStarted(EndpointChatStream)
	result.StreamEnded(EndpointChatStream)
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "strait" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "strait")
	}
	if gatewaySubsystem != "gateway" {
		t.Errorf("gatewaySubsystem = %q, want %q", gatewaySubsystem, "gateway")
	}
}

func TestEndpointConstants(t *testing.T) {
	tests := []struct {
		endpoint Endpoint
		want     string
	}{
		{EndpointChat, "chat"},
		{EndpointChatStream, "chat_stream"},
		{EndpointWebSocket, "ws"},
		{EndpointModels, "models"},
		{EndpointSessions, "sessions"},
	}

	for _, tt := range tests {
		if string(tt.endpoint) != tt.want {
			t.Errorf("Endpoint = %q, want %q", tt.endpoint, tt.want)
		}
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeValidation, "validation"},
		{ErrorCodeRouting, "routing"},
		{ErrorCodeRateLimited, "rate_limited"},
		{ErrorCodeUpstream, "upstream"},
		{ErrorCodeInternal, "internal"},
		{ErrorCodeClientDisconnect, "client_disconnect"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// RecordRequest Tests
// ============================================================================

func TestGatewayMetrics_RecordRequest_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChat, true)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success"))
	if val != 1 {
		t.Errorf("RequestsTotal[chat,success] = %f, want 1", val)
	}
}

func TestGatewayMetrics_RecordRequest_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatStream, false)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_stream", "error"))
	if val != 1 {
		t.Errorf("RequestsTotal[chat_stream,error] = %f, want 1", val)
	}
}

func TestGatewayMetrics_RecordRequest_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChat, true)
	m.RecordRequest(EndpointChat, true)
	m.RecordRequest(EndpointChat, false)
	m.RecordRequest(EndpointModels, true)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[chat,success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[chat,error] = %f, want 1", errorVal)
	}

	modelsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("models", "success"))
	if modelsVal != 1 {
		t.Errorf("RequestsTotal[models,success] = %f, want 1", modelsVal)
	}
}

// ============================================================================
// RecordTokens Tests
// ============================================================================

func TestGatewayMetrics_RecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(120, 45, "fast:gpt-4o-mini")

	promptVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("prompt", "fast:gpt-4o-mini"))
	if promptVal != 120 {
		t.Errorf("TokensTotal[prompt] = %f, want 120", promptVal)
	}

	completionVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("completion", "fast:gpt-4o-mini"))
	if completionVal != 45 {
		t.Errorf("TokensTotal[completion] = %f, want 45", completionVal)
	}
}

func TestGatewayMetrics_RecordTokens_Accumulates(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50, "m")
	m.RecordTokens(10, 5, "m")

	promptVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("prompt", "m"))
	if promptVal != 110 {
		t.Errorf("TokensTotal[prompt,m] = %f, want 110", promptVal)
	}
}

// ============================================================================
// Stream Gauge Tests
// ============================================================================

func TestGatewayMetrics_ActiveStreams(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointChatStream)
	m.StreamStarted(EndpointChatStream)
	m.StreamStarted(EndpointWebSocket)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 2 {
		t.Errorf("ActiveStreams[chat_stream] = %f, want 2", val)
	}

	m.StreamEnded(EndpointChatStream)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_stream"))
	if val != 1 {
		t.Errorf("ActiveStreams[chat_stream] after end = %f, want 1", val)
	}

	wsVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("ws"))
	if wsVal != 1 {
		t.Errorf("ActiveStreams[ws] = %f, want 1", wsVal)
	}
}

// ============================================================================
// RecordError Tests
// ============================================================================

func TestGatewayMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(EndpointChat, ErrorCodeRouting)
	m.RecordError(EndpointChat, ErrorCodeRouting)
	m.RecordError(EndpointChatStream, ErrorCodeRateLimited)

	routingVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat", "routing"))
	if routingVal != 2 {
		t.Errorf("ErrorsTotal[chat,routing] = %f, want 2", routingVal)
	}

	rateVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_stream", "rate_limited"))
	if rateVal != 1 {
		t.Errorf("ErrorsTotal[chat_stream,rate_limited] = %f, want 1", rateVal)
	}
}

// ============================================================================
// Retry Wait Tests
// ============================================================================

func TestGatewayMetrics_RecordRetryWait(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRetryWait("chat_completions", 2.0)
	m.RecordRetryWait("chat_completions", 4.0)
	m.RecordRetryWait("chat_completions_stream", 1.0)

	val := testutil.ToFloat64(m.RetryWaitsTotal.WithLabelValues("chat_completions"))
	if val != 2 {
		t.Errorf("RetryWaitsTotal[chat_completions] = %f, want 2", val)
	}

	streamVal := testutil.ToFloat64(m.RetryWaitsTotal.WithLabelValues("chat_completions_stream"))
	if streamVal != 1 {
		t.Errorf("RetryWaitsTotal[chat_completions_stream] = %f, want 1", streamVal)
	}

	// Histograms can't use ToFloat64. Verify series exist instead.
	count := testutil.CollectAndCount(m.RetryWaitSeconds)
	if count != 2 {
		t.Errorf("RetryWaitSeconds series count = %d, want 2", count)
	}
}

// ============================================================================
// Loop Detection Tests
// ============================================================================

func TestGatewayMetrics_RecordLoopDetection(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLoopDetection("warn")
	m.RecordLoopDetection("block")
	m.RecordLoopDetection("block")

	warnVal := testutil.ToFloat64(m.LoopDetectionsTotal.WithLabelValues("warn"))
	if warnVal != 1 {
		t.Errorf("LoopDetectionsTotal[warn] = %f, want 1", warnVal)
	}

	blockVal := testutil.ToFloat64(m.LoopDetectionsTotal.WithLabelValues("block"))
	if blockVal != 2 {
		t.Errorf("LoopDetectionsTotal[block] = %f, want 2", blockVal)
	}
}

// ============================================================================
// Upstream Error Tests
// ============================================================================

func TestGatewayMetrics_RecordUpstreamError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordUpstreamError("fast", 502)
	m.RecordUpstreamError("fast", 502)
	m.RecordUpstreamError("smart", 500)

	val := testutil.ToFloat64(m.UpstreamErrorsTotal.WithLabelValues("fast", "502"))
	if val != 2 {
		t.Errorf("UpstreamErrorsTotal[fast,502] = %f, want 2", val)
	}

	smartVal := testutil.ToFloat64(m.UpstreamErrorsTotal.WithLabelValues("smart", "500"))
	if smartVal != 1 {
		t.Errorf("UpstreamErrorsTotal[smart,500] = %f, want 1", smartVal)
	}
}

// ============================================================================
// Command Tests
// ============================================================================

func TestGatewayMetrics_RecordCommand(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCommand("set", "ok")
	m.RecordCommand("set", "ok")
	m.RecordCommand("frobnicate", "unknown")

	okVal := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("set", "ok"))
	if okVal != 2 {
		t.Errorf("CommandsTotal[set,ok] = %f, want 2", okVal)
	}

	unknownVal := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("frobnicate", "unknown"))
	if unknownVal != 1 {
		t.Errorf("CommandsTotal[frobnicate,unknown] = %f, want 1", unknownVal)
	}
}

// ============================================================================
// Histogram Tests
// ============================================================================

func TestGatewayMetrics_RecordTimeToFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(EndpointChatStream, 0.5)

	// We use CollectAndCount to verify the metric exists and was updated
	count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds)
	if count != 1 {
		t.Errorf("TimeToFirstTokenSeconds series count = %d, want 1", count)
	}
}

func TestGatewayMetrics_RecordDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDuration(EndpointChat, 1.25, true)
	m.RecordDuration(EndpointChat, 0.75, false)

	count := testutil.CollectAndCount(m.RequestDurationSeconds)
	if count != 2 {
		t.Errorf("RequestDurationSeconds series count = %d, want 2", count)
	}
}

// ============================================================================
// Keepalive and Disconnect Tests
// ============================================================================

func TestGatewayMetrics_RecordKeepAlive(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive(EndpointChatStream)
	m.RecordKeepAlive(EndpointChatStream)

	val := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat_stream"))
	if val != 2 {
		t.Errorf("KeepAlivesTotal[chat_stream] = %f, want 2", val)
	}
}

func TestGatewayMetrics_RecordClientDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointWebSocket)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("ws"))
	if val != 1 {
		t.Errorf("ClientDisconnectsTotal[ws] = %f, want 1", val)
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestGatewayMetrics_ConcurrentAccess(t *testing.T) {
	m := newTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordRequest(EndpointChat, true)
				m.RecordTokens(1, 1, "m")
				m.RecordRetryWait("chat_completions", 0.5)
			}
		}()
	}
	wg.Wait()

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "success"))
	if val != 1000 {
		t.Errorf("RequestsTotal[chat,success] = %f, want 1000", val)
	}
}
