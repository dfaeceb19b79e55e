// Package relay fans incrementally-produced report fragments out to
// subscribers. Delivery is a presentation concern: a dropped subscriber
// never blocks the producer or affects settlement.
package relay

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrStreamExists  = errors.New("stream already open")
)

// EventKind classifies relay events.
type EventKind string

const (
	EventFragment  EventKind = "fragment"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Event is one delivery to a subscriber: fragments in production order,
// then exactly one terminal event.
type Event struct {
	Kind    EventKind
	Content string
	Report  string
	Reason  string
}

// Terminal reports whether the event closes the stream.
func (event Event) Terminal() bool {
	return event.Kind == EventCompleted || event.Kind == EventError
}

const subscriberBuffer = 256

// Relay tracks one stream per audit session. Late subscribers replay the
// full history; terminal streams are evicted after a retention window.
type Relay struct {
	mu        sync.Mutex
	streams   map[string]*stream
	retention time.Duration
	nowFn     func() time.Time
}

type stream struct {
	history     []Event
	subscribers map[int]chan Event
	nextSubID   int
	terminal    bool
	closedAt    time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithRetention overrides how long terminal streams stay replayable.
func WithRetention(retention time.Duration) Option {
	return func(relay *Relay) {
		relay.retention = retention
	}
}

// WithClock overrides the eviction clock.
func WithClock(now func() time.Time) Option {
	return func(relay *Relay) {
		relay.nowFn = now
	}
}

// New builds a Relay.
func New(options ...Option) *Relay {
	relay := &Relay{
		streams:   make(map[string]*stream),
		retention: 15 * time.Minute,
		nowFn:     time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(relay)
		}
	}
	return relay
}

// Open registers a session stream. Opening an existing live stream is an
// error; the caller owns session ID uniqueness.
func (relay *Relay) Open(sessionID string) error {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.evictExpiredLocked()
	if _, exists := relay.streams[sessionID]; exists {
		return ErrStreamExists
	}
	relay.streams[sessionID] = &stream{subscribers: make(map[int]chan Event)}
	return nil
}

// Publish appends a fragment and fans it out. Fragments after the terminal
// event are dropped silently: the session is already settled and the late
// fragment has no one to reach.
func (relay *Relay) Publish(sessionID string, content string) error {
	return relay.append(sessionID, Event{Kind: EventFragment, Content: content})
}

// Complete delivers the completed terminal event. At most one terminal
// event is ever recorded; later terminal calls are no-ops so racing
// settlement paths stay harmless.
func (relay *Relay) Complete(sessionID string, report string) error {
	return relay.append(sessionID, Event{Kind: EventCompleted, Report: report})
}

// Fail delivers the error terminal event.
func (relay *Relay) Fail(sessionID string, reason string) error {
	return relay.append(sessionID, Event{Kind: EventError, Reason: reason})
}

func (relay *Relay) append(sessionID string, event Event) error {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	sessionStream, ok := relay.streams[sessionID]
	if !ok {
		return ErrUnknownStream
	}
	if sessionStream.terminal {
		return nil
	}
	sessionStream.history = append(sessionStream.history, event)
	if event.Terminal() {
		sessionStream.terminal = true
		sessionStream.closedAt = relay.nowFn()
	}
	for id, subscriber := range sessionStream.subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber stopped draining; treat it as disconnected.
			close(subscriber)
			delete(sessionStream.subscribers, id)
			continue
		}
		if event.Terminal() {
			close(subscriber)
			delete(sessionStream.subscribers, id)
		}
	}
	return nil
}

// Subscribe attaches to a session stream. The returned channel replays the
// history so far in order, then live events, and is closed after the
// terminal event. The cancel function detaches early.
func (relay *Relay) Subscribe(sessionID string) (<-chan Event, func(), error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.evictExpiredLocked()
	sessionStream, ok := relay.streams[sessionID]
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	buffer := subscriberBuffer
	if needed := len(sessionStream.history) + subscriberBuffer; needed > buffer {
		buffer = needed
	}
	events := make(chan Event, buffer)
	for _, event := range sessionStream.history {
		events <- event
	}
	if sessionStream.terminal {
		close(events)
		return events, func() {}, nil
	}
	subscriberID := sessionStream.nextSubID
	sessionStream.nextSubID++
	sessionStream.subscribers[subscriberID] = events
	cancel := func() {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		if subscriber, live := sessionStream.subscribers[subscriberID]; live {
			close(subscriber)
			delete(sessionStream.subscribers, subscriberID)
		}
	}
	return events, cancel, nil
}

// ActiveStreams counts streams that have not reached a terminal event.
func (relay *Relay) ActiveStreams() int {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	count := 0
	for _, sessionStream := range relay.streams {
		if !sessionStream.terminal {
			count++
		}
	}
	return count
}

func (relay *Relay) evictExpiredLocked() {
	cutoff := relay.nowFn().Add(-relay.retention)
	for sessionID, sessionStream := range relay.streams {
		if sessionStream.terminal && sessionStream.closedAt.Before(cutoff) {
			delete(relay.streams, sessionID)
		}
	}
}
