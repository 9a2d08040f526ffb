// Package events defines the notifications the task engine emits and the
// sinks that receive them. Delivery beyond a sink is someone else's job.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Lifecycle event names. Templates may add their own trigger tags.
const (
	TaskStarted   = "TASK_STARTED"
	TaskCompleted = "TASK_COMPLETED"
	TaskFailed    = "TASK_FAILED"
	TaskCancelled = "TASK_CANCELLED"
)

// Event is a notable occurrence in a task's life.
type Event struct {
	Tick       uint64         `json:"tick"`
	Name       string         `json:"name"`
	Trigger    bool           `json:"trigger,omitempty"` // a template event_triggers tag
	Owner      string         `json:"owner"`
	TemplateID string         `json:"template_id"`
	InstanceID string         `json:"instance_id"`
	Summary    map[string]any `json:"summary,omitempty"`
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// DefaultRecorderSize is how many events a Recorder keeps by default.
const DefaultRecorderSize = 1000

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.RWMutex
	max    int
	events []Event
}

// NewRecorder keeps at most max events (DefaultRecorderSize if max <= 0).
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = DefaultRecorderSize
	}
	return &Recorder{max: max}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > r.max {
		r.events = append([]Event(nil), r.events[len(r.events)-r.max:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

// Recent returns up to n of the newest events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start := len(r.events) - n
	if start < 0 || n <= 0 {
		start = 0
	}
	return append([]Event(nil), r.events[start:]...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Reset drops every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// LogSink writes events to a slog logger.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s LogSink) Emit(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Log(context.Background(), s.Level, "task event",
		"event", e.Name,
		"owner", e.Owner,
		"template", e.TemplateID,
		"instance", e.InstanceID,
		"tick", e.Tick,
	)
}
