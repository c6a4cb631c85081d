// Package telemetry is a process-wide publisher/subscriber bus for runtime
// events. Spans emit start/stop/exception events with monotonic timestamps;
// publishing takes no locks (handlers are kept in an atomically swapped
// snapshot, copy-on-write on attach/detach).
package telemetry

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Measurements carry numeric observations (durations, token counts).
type Measurements map[string]int64

// Metadata carries descriptive attributes (agent name, provider, model).
type Metadata map[string]any

// HandlerFunc receives every event whose name matches one of the handler's
// subscribed prefixes.
type HandlerFunc func(event []string, measurements Measurements, metadata Metadata)

type handler struct {
	id     string
	events [][]string
	fn     HandlerFunc
}

type bus struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]handler]
}

var defaultBus = newBus()

func newBus() *bus {
	b := &bus{}
	empty := []handler{}
	b.snapshot.Store(&empty)
	return b
}

// Attach registers a handler under id for the given event names. An event
// name matches if it equals a subscription or extends it by one segment
// (so ["agent","run"] receives ["agent","run","start"] etc.).
// Attaching an existing id replaces its handler.
func Attach(id string, events [][]string, fn HandlerFunc) {
	defaultBus.attach(id, events, fn)
}

// Detach removes the handler registered under id.
func Detach(id string) {
	defaultBus.detach(id)
}

// Execute publishes a single event to all matching handlers, synchronously
// in the caller's goroutine.
func Execute(event []string, measurements Measurements, metadata Metadata) {
	defaultBus.execute(event, measurements, metadata)
}

func (b *bus) attach(id string, events [][]string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.snapshot.Load()
	next := make([]handler, 0, len(current)+1)
	for _, h := range current {
		if h.id != id {
			next = append(next, h)
		}
	}
	next = append(next, handler{id: id, events: events, fn: fn})
	b.snapshot.Store(&next)
}

func (b *bus) detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := *b.snapshot.Load()
	next := make([]handler, 0, len(current))
	for _, h := range current {
		if h.id != id {
			next = append(next, h)
		}
	}
	b.snapshot.Store(&next)
}

func (b *bus) execute(event []string, measurements Measurements, metadata Metadata) {
	for _, h := range *b.snapshot.Load() {
		for _, sub := range h.events {
			if matches(sub, event) {
				h.fn(event, measurements, metadata)
				break
			}
		}
	}
}

func matches(sub, event []string) bool {
	if len(event) < len(sub) || len(event) > len(sub)+1 {
		return false
	}
	for i := range sub {
		if sub[i] != event[i] {
			return false
		}
	}
	return true
}

// Span runs fn, emitting <prefix...,start> before and either
// <prefix...,stop> with the monotonic duration or <prefix...,exception>
// with the error. The fn's extra measurements are merged into the stop
// event.
func Span(prefix []string, metadata Metadata, fn func() (Measurements, error)) error {
	start := time.Now()
	Execute(append(prefix, "start"), Measurements{"system_time": start.UnixNano()}, metadata)

	meas, err := fn()
	duration := time.Since(start)

	if err != nil {
		md := Metadata{}
		for k, v := range metadata {
			md[k] = v
		}
		md["error"] = err.Error()
		Execute(append(prefix, "exception"), Measurements{"duration": int64(duration)}, md)
		return err
	}

	if meas == nil {
		meas = Measurements{}
	}
	meas["duration"] = int64(duration)
	Execute(append(prefix, "stop"), meas, metadata)
	return nil
}

// EventName joins an event path for display ("agent.run.stop").
func EventName(event []string) string {
	return strings.Join(event, ".")
}

func formatDuration(meas Measurements) string {
	if d, ok := meas["duration"]; ok {
		return time.Duration(d).Round(time.Millisecond).String()
	}
	return ""
}
