// Package audit carries the fire-and-forget activity log: every attendance
// transition and error path emits an Event that ends up in activity_logs.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ojtrack/internal/queue"
)

// MessageType tags activity events on the shared queue.
const MessageType = "activity"

// Event is one activity log entry.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	ActorID string         `json:"actor_id"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink receives activity events. Implementations must not block callers on
// failure and never report errors back.
type Sink interface {
	Log(ctx context.Context, evt Event)
}

func fill(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	return evt
}

// LogSink writes events to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Log(_ context.Context, evt Event) {
	evt = fill(evt)
	s.log.Info("activity",
		zap.String("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("actor_id", evt.ActorID),
		zap.Any("fields", evt.Fields),
		zap.Time("at", evt.At),
	)
}

// offerer is a queue that can refuse a message instead of waiting for room.
type offerer interface {
	TryPublish(msg queue.Message) error
}

// QueueSink publishes events for the worker to persist. Queues that support
// TryPublish never block the caller; a full buffer drops the event.
type QueueSink struct {
	q       queue.Queue
	log     *zap.Logger
	timeout time.Duration
}

func NewQueueSink(q queue.Queue, log *zap.Logger) *QueueSink {
	return &QueueSink{q: q, log: log, timeout: 2 * time.Second}
}

// Log publishes evt detached from the caller's cancellation so an aborted
// request still leaves its trail.
func (s *QueueSink) Log(ctx context.Context, evt Event) {
	evt = fill(evt)
	body, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("activity encode failed", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	msg := queue.Message{Type: MessageType, Body: body}
	if o, ok := s.q.(offerer); ok {
		if err := o.TryPublish(msg); err != nil {
			s.log.Warn("activity dropped", zap.String("type", evt.Type), zap.Error(err))
		}
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.q.Publish(pubCtx, msg); err != nil {
		s.log.Warn("activity publish failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) Log(ctx context.Context, evt Event) {
	evt = fill(evt)
	for _, s := range t {
		s.Log(ctx, evt)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fill(evt))
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	evts := r.Events()
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}
