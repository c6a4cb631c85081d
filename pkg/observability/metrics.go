package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instrument set recorded by the bus bridge.
type Metrics struct {
	agentDuration metric.Float64Histogram
	agentRuns     metric.Int64Counter
	agentErrors   metric.Int64Counter
	agentTokens   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmRequests     metric.Int64Counter
	llmErrors       metric.Int64Counter
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.agentDuration, err = meter.Float64Histogram(
		"strand_agent_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("creating agent duration histogram: %w", err)
	}
	if m.agentRuns, err = meter.Int64Counter(
		"strand_agent_runs_total",
		metric.WithDescription("Total agent runs"),
	); err != nil {
		return nil, fmt.Errorf("creating agent runs counter: %w", err)
	}
	if m.agentErrors, err = meter.Int64Counter(
		"strand_agent_errors_total",
		metric.WithDescription("Total failed agent runs"),
	); err != nil {
		return nil, fmt.Errorf("creating agent errors counter: %w", err)
	}
	if m.agentTokens, err = meter.Int64Counter(
		"strand_agent_tokens_total",
		metric.WithDescription("Total tokens consumed by agent runs"),
	); err != nil {
		return nil, fmt.Errorf("creating agent tokens counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"strand_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("creating tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"strand_tool_calls_total",
		metric.WithDescription("Total tool executions"),
	); err != nil {
		return nil, fmt.Errorf("creating tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"strand_tool_errors_total",
		metric.WithDescription("Total failed tool executions"),
	); err != nil {
		return nil, fmt.Errorf("creating tool errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"strand_llm_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("creating llm duration histogram: %w", err)
	}
	if m.llmRequests, err = meter.Int64Counter(
		"strand_llm_requests_total",
		metric.WithDescription("Total model requests"),
	); err != nil {
		return nil, fmt.Errorf("creating llm requests counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"strand_llm_errors_total",
		metric.WithDescription("Total failed model requests"),
	); err != nil {
		return nil, fmt.Errorf("creating llm errors counter: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"strand_llm_input_tokens_total",
		metric.WithDescription("Total input tokens sent to models"),
	); err != nil {
		return nil, fmt.Errorf("creating llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"strand_llm_output_tokens_total",
		metric.WithDescription("Total output tokens received from models"),
	); err != nil {
		return nil, fmt.Errorf("creating llm output tokens counter: %w", err)
	}

	return m, nil
}
