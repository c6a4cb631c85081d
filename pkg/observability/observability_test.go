package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandkit/strand/pkg/telemetry"
)

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestBridgeRecordsAgentMetrics(t *testing.T) {
	m := NewManager(Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	err := telemetry.Span([]string{"agent", "run"},
		telemetry.Metadata{"agent": "demo", "model": "openai:gpt-4o"},
		func() (telemetry.Measurements, error) {
			return telemetry.Measurements{"input_tokens": 100, "output_tokens": 20}, nil
		})
	require.NoError(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, "strand_agent_runs_total")
	assert.Contains(t, body, `agent="demo"`)
	assert.Contains(t, body, "strand_agent_tokens_total")
}

func TestBridgeRecordsFailures(t *testing.T) {
	m := NewManager(Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	_ = telemetry.Span([]string{"model", "request"},
		telemetry.Metadata{"provider": "openai"},
		func() (telemetry.Measurements, error) {
			return nil, errors.New("rate limited")
		})

	body := scrape(t, m)
	assert.Contains(t, body, "strand_llm_errors_total")
}

func TestToolMetrics(t *testing.T) {
	m := NewManager(Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	err := telemetry.Span([]string{"tool", "execute"},
		telemetry.Metadata{"tool": "search"},
		func() (telemetry.Measurements, error) {
			return telemetry.Measurements{"attempts": 1}, nil
		})
	require.NoError(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, "strand_tool_calls_total")
	assert.Contains(t, body, `tool="search"`)
}

func TestMetricsDisabled(t *testing.T) {
	m := NewManager(Config{})
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
