// Package bus fans out per-session stream events to transport subscribers.
//
// Every subscriber gets two bounded lanes. Text deltas ride the droppable
// lane: when it overflows the delta is discarded and counted, so a slow
// reader degrades to choppier text rather than stalling the turn. Lifecycle
// events (turn.start, tool.call, tool.result, turn.done, turn.error) ride
// the reliable lane: when that one overflows the subscriber is beyond
// saving and is detached with a final turn.error carrying the drop count.
//
// Publishing never blocks on any subscriber. Subscriptions are fresh: a
// subscriber attached mid-turn sees events from attach onward, no replay.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fabworks/rtlagent/pkg/models"
)

const (
	// CodeSlowConsumer tags the final turn.error of a detached subscriber.
	CodeSlowConsumer = "slow_consumer"

	defaultLifecycleBuffer = 32
	defaultDeltaBuffer     = 256
)

// Config sizes the per-subscriber lanes.
type Config struct {
	LifecycleBuffer int
	DeltaBuffer     int
}

func (c *Config) applyDefaults() {
	if c.LifecycleBuffer <= 0 {
		c.LifecycleBuffer = defaultLifecycleBuffer
	}
	if c.DeltaBuffer <= 0 {
		c.DeltaBuffer = defaultDeltaBuffer
	}
}

// Bus routes stream events to the subscribers of each session.
//
// Thread Safety:
// Bus is safe for concurrent use.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]*topic

	dropped atomic.Uint64
}

func New(cfg Config, logger *slog.Logger) *Bus {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

// Emit implements Sink by publishing the event to its session's subscribers.
func (b *Bus) Emit(_ context.Context, e models.StreamEvent) {
	b.Publish(e)
}

// Publish stamps the event with the session's next sequence number and fans
// it out. Events for sessions nobody subscribed to still consume sequence
// numbers, keeping the stream gap-free for late subscribers to reason about.
func (b *Bus) Publish(e models.StreamEvent) {
	if e.SessionID == "" {
		return
	}
	t := b.topicFor(e.SessionID)
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Seq = t.seq.Add(1)

	for _, sub := range t.snapshot() {
		sub.offer(e)
	}
}

// Subscribe attaches a new subscriber to the session's stream. The returned
// subscription's channel closes after Cancel or after the bus detaches the
// subscriber for falling too far behind.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	t := b.topicFor(sessionID)

	sub := &subscriber{
		topic:     t,
		id:        t.nextSub.Add(1),
		lifecycle: make(chan models.StreamEvent, b.cfg.LifecycleBuffer),
		delta:     make(chan models.StreamEvent, b.cfg.DeltaBuffer),
		out:       make(chan models.StreamEvent, b.cfg.LifecycleBuffer),
		done:      make(chan struct{}),
		bus:       b,
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	go sub.mergeLoop()

	return &Subscription{C: sub.out, sub: sub}
}

// CloseSession detaches every subscriber of the session and forgets its
// sequence counter. Call it when the session itself is deleted.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if ok {
		delete(b.topics, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, sub := range t.snapshot() {
		sub.close(nil)
	}
}

// Dropped returns the total number of text deltas discarded across all
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count across all sessions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, t := range b.topics {
		t.mu.RLock()
		n += len(t.subs)
		t.mu.RUnlock()
	}
	return n
}

func (b *Bus) topicFor(sessionID string) *topic {
	b.mu.RLock()
	t, ok := b.topics[sessionID]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[sessionID]; ok {
		return t
	}
	t = &topic{sessionID: sessionID, subs: make(map[uint64]*subscriber)}
	b.topics[sessionID] = t
	return t
}

type topic struct {
	sessionID string
	seq       atomic.Uint64
	nextSub   atomic.Uint64

	mu   sync.RWMutex
	subs map[uint64]*subscriber
}

func (t *topic) snapshot() []*subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*subscriber, 0, len(t.subs))
	for _, sub := range t.subs {
		out = append(out, sub)
	}
	return out
}

func (t *topic) remove(id uint64) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Subscription is one attached consumer of a session's stream.
type Subscription struct {
	// C delivers events in publish order. It closes when the subscription
	// ends; if the bus detached the subscriber, the last event before the
	// close is a turn.error with code "slow_consumer".
	C <-chan models.StreamEvent

	sub *subscriber
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.sub.close(nil)
}

// Dropped returns how many text deltas this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.sub.droppedDeltas.Load()
}

type subscriber struct {
	topic *topic
	bus   *Bus
	id    uint64

	lifecycle chan models.StreamEvent
	delta     chan models.StreamEvent
	out       chan models.StreamEvent

	done     chan struct{}
	doneOnce sync.Once

	droppedDeltas atomic.Uint64

	finalMu  sync.Mutex
	finalErr *models.StreamEvent
}

// offer routes one event into the subscriber's lanes without ever blocking
// the publisher.
func (s *subscriber) offer(e models.StreamEvent) {
	if e.Type == models.EventTextDelta {
		select {
		case <-s.done:
		case s.delta <- e:
		default:
			s.droppedDeltas.Add(1)
			s.bus.dropped.Add(1)
		}
		return
	}

	select {
	case <-s.done:
	case s.lifecycle <- e:
	default:
		// The reliable lane is full: this consumer cannot keep up with
		// lifecycle traffic. Cut it loose with a terminal error.
		final := models.NewTurnError(s.topic.sessionID,
			"subscriber detached: event stream overflow", CodeSlowConsumer)
		final.Error.Dropped = s.droppedDeltas.Load()
		s.bus.logger.Warn("detaching slow subscriber",
			"session_id", s.topic.sessionID, "subscriber", s.id,
			"dropped_deltas", final.Error.Dropped)
		s.close(&final)
	}
}

// close ends the subscription. A non-nil final event is delivered (best
// effort) right before the output channel closes.
func (s *subscriber) close(final *models.StreamEvent) {
	s.doneOnce.Do(func() {
		if final != nil {
			s.finalMu.Lock()
			s.finalErr = final
			s.finalMu.Unlock()
		}
		s.topic.remove(s.id)
		close(s.done)
	})
}

// finalDeliveryGrace bounds how long a detached subscriber's final
// turn.error waits for the consumer to drain its buffer.
const finalDeliveryGrace = 5 * time.Second

// mergeLoop drains both lanes into out, always preferring lifecycle events
// so tool results are never starved by a flood of text.
func (s *subscriber) mergeLoop() {
	defer func() {
		s.finalMu.Lock()
		final := s.finalErr
		s.finalMu.Unlock()
		if final != nil {
			select {
			case s.out <- *final:
			case <-time.After(finalDeliveryGrace):
			}
		}
		close(s.out)
	}()

	for {
		select {
		case e := <-s.lifecycle:
			if !s.forward(e) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.done:
			return
		case e := <-s.lifecycle:
			if !s.forward(e) {
				return
			}
		case e := <-s.delta:
			if !s.forward(e) {
				return
			}
		}
	}
}

func (s *subscriber) forward(e models.StreamEvent) bool {
	select {
	case s.out <- e:
		return true
	case <-s.done:
		return false
	}
}
