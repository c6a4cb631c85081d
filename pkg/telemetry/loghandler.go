package telemetry

import (
	"log/slog"
)

// DefaultLogHandlerID identifies the built-in slog subscriber.
const DefaultLogHandlerID = "strand-default-logger"

// AttachDefaultLogHandler subscribes a slog-backed handler to the runtime's
// standard events. Start events log at debug, stops at debug (tool) or info
// (agent run), exceptions at warn.
func AttachDefaultLogHandler() {
	Attach(DefaultLogHandlerID, [][]string{
		{"agent", "run"},
		{"model", "request"},
		{"tool", "execute"},
	}, logEvent)
}

// DetachDefaultLogHandler removes the built-in subscriber.
func DetachDefaultLogHandler() {
	Detach(DefaultLogHandlerID)
}

func logEvent(event []string, meas Measurements, meta Metadata) {
	attrs := make([]any, 0, 2*len(meta)+4)
	for k, v := range meta {
		attrs = append(attrs, k, v)
	}

	name := EventName(event)
	last := event[len(event)-1]

	switch last {
	case "start":
		slog.Debug(name, attrs...)
	case "stop":
		attrs = append(attrs, "duration", formatDuration(meas))
		if tokens, ok := meas["total_tokens"]; ok {
			attrs = append(attrs, "total_tokens", tokens)
		}
		if event[0] == "agent" {
			slog.Info(name, attrs...)
		} else {
			slog.Debug(name, attrs...)
		}
	case "exception":
		attrs = append(attrs, "duration", formatDuration(meas))
		slog.Warn(name, attrs...)
	default:
		slog.Debug(name, attrs...)
	}
}
