// Package engine defines the boundary to the external analysis engine: an
// opaque producer of streamed report fragments and one terminal status.
package engine

import (
	"context"
	"errors"
)

var (
	ErrDispatchFailed = errors.New("engine dispatch failed")
	ErrStreamFailed   = errors.New("engine stream failed")
)

// Submission is the unit of work handed to the engine.
type Submission struct {
	SessionID string
	Language  string
	Code      string
}

// EventKind classifies engine stream events.
type EventKind string

const (
	EventFragment  EventKind = "fragment"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one element of the engine's per-session stream: fragments in
// production order, then exactly one completed or failed event.
type Event struct {
	Kind    EventKind
	Content string
	Report  string
	Reason  string
}

// Stream delivers a dispatched session's events. The channel is closed
// after the terminal event; Close releases the underlying connection.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Engine dispatches submissions for analysis.
type Engine interface {
	Dispatch(ctx context.Context, submission Submission) (Stream, error)
}
