package bus

import (
	"context"

	"github.com/fabworks/rtlagent/pkg/models"
)

// Sink receives stream events during agent processing.
// Implementations must be safe to call from multiple goroutines and should
// not block the caller.
type Sink interface {
	Emit(ctx context.Context, e models.StreamEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.StreamEvent) {}

// CallbackSink wraps a function as a Sink for inline handling.
type CallbackSink struct {
	fn func(ctx context.Context, e models.StreamEvent)
}

func NewCallbackSink(fn func(ctx context.Context, e models.StreamEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ctx context.Context, e models.StreamEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// MultiSink fans out events to several sinks. Nil entries are filtered.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e models.StreamEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}
