package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/strandkit/strand/pkg/telemetry"
)

const bridgeHandlerID = "observability-bridge"

// bridge converts telemetry bus events into metrics and trace spans.
// Since bus stop events carry the span duration, each one is exported as a
// completed span with an explicit start timestamp.
type bridge struct {
	tracer  trace.Tracer
	metrics *Metrics
}

func newBridge(tracer trace.Tracer, metrics *Metrics) *bridge {
	return &bridge{tracer: tracer, metrics: metrics}
}

func (b *bridge) attach() {
	telemetry.Attach(bridgeHandlerID, [][]string{
		{"agent", "run"},
		{"model", "request"},
		{"tool", "execute"},
	}, b.handle)
}

func (b *bridge) detach() {
	telemetry.Detach(bridgeHandlerID)
}

func (b *bridge) handle(event []string, meas telemetry.Measurements, md telemetry.Metadata) {
	if len(event) < 3 {
		return
	}
	outcome := event[len(event)-1]
	if outcome != "stop" && outcome != "exception" {
		return
	}

	duration := time.Duration(meas["duration"])
	failed := outcome == "exception"

	b.exportSpan(event, duration, failed, md)
	if b.metrics == nil {
		return
	}

	ctx := context.Background()
	attrs := metricAttrs(md)

	switch event[0] {
	case "agent":
		b.metrics.agentDuration.Record(ctx, duration.Seconds(), attrs)
		b.metrics.agentRuns.Add(ctx, 1, attrs)
		if failed {
			b.metrics.agentErrors.Add(ctx, 1, attrs)
		}
		if tokens := meas["input_tokens"] + meas["output_tokens"]; tokens > 0 {
			b.metrics.agentTokens.Add(ctx, tokens, attrs)
		}
	case "model":
		b.metrics.llmDuration.Record(ctx, duration.Seconds(), attrs)
		b.metrics.llmRequests.Add(ctx, 1, attrs)
		if failed {
			b.metrics.llmErrors.Add(ctx, 1, attrs)
		}
		if in := meas["input_tokens"]; in > 0 {
			b.metrics.llmInputTokens.Add(ctx, in, attrs)
		}
		if out := meas["output_tokens"]; out > 0 {
			b.metrics.llmOutputTokens.Add(ctx, out, attrs)
		}
	case "tool":
		b.metrics.toolDuration.Record(ctx, duration.Seconds(), attrs)
		b.metrics.toolCalls.Add(ctx, 1, attrs)
		if failed {
			b.metrics.toolErrors.Add(ctx, 1, attrs)
		}
	}
}

func (b *bridge) exportSpan(event []string, duration time.Duration, failed bool, md telemetry.Metadata) {
	name := telemetry.EventName(event[:len(event)-1])
	end := time.Now()

	_, span := b.tracer.Start(context.Background(), name,
		trace.WithTimestamp(end.Add(-duration)))
	for k, v := range md {
		span.SetAttributes(attribute.String(k, fmt.Sprint(v)))
	}
	if failed {
		msg, _ := md["error"].(string)
		span.SetStatus(codes.Error, msg)
	}
	span.End(trace.WithTimestamp(end))
}

func metricAttrs(md telemetry.Metadata) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, 3)
	for _, key := range []string{"agent", "model", "provider", "tool", "strategy"} {
		if v, ok := md[key]; ok {
			attrs = append(attrs, attribute.String(key, fmt.Sprint(v)))
		}
	}
	return metric.WithAttributes(attrs...)
}
