// Package stream defines the events broadcast while an execution streams its
// response, and the Broadcaster contract delivering them to clients.
//
// Every streamed execution emits exactly one EventStart, one EventUpdate per
// model chunk and exactly one EventComplete, in that order, all carrying the
// same message ID.
package stream

import (
	"context"
	"sync"
)

type (
	// EventType identifies a streaming event.
	EventType string

	// Event is a streaming event.
	Event interface {
		// Type returns the event type.
		Type() EventType
		// MessageID returns the ID of the streamed assistant message.
		MessageID() string
		// ExecutionID returns the execution producing the message.
		ExecutionID() string
		// Payload returns the JSON serializable event body.
		Payload() any
	}

	// Base implements Event. Concrete events embed it.
	Base struct {
		t EventType
		m string
		x string
		p any
	}

	// Start announces a new streamed message.
	Start struct {
		Base
		Data StartPayload
	}

	// Update carries one chunk of the streamed message.
	Update struct {
		Base
		Data UpdatePayload
	}

	// Complete terminates a streamed message.
	Complete struct {
		Base
		Data CompletePayload
	}

	// StartPayload is the body of EventStart.
	StartPayload struct {
		MessageID   string `json:"messageID"`
		AgentID     string `json:"agentID"`
		AgentName   string `json:"agentName"`
		ExecutionID string `json:"executionID"`
	}

	// UpdatePayload is the body of EventUpdate.
	UpdatePayload struct {
		MessageID string `json:"messageID"`
		Delta     string `json:"delta"`
	}

	// CompletePayload is the body of EventComplete. Content is the text
	// accumulated so far; on failure it may be partial and Metadata.Error is
	// set.
	CompletePayload struct {
		MessageID string           `json:"messageID"`
		Content   string           `json:"content"`
		Complete  bool             `json:"complete"`
		Metadata  CompleteMetadata `json:"metadata"`
	}

	// CompleteMetadata summarizes a streamed message.
	CompleteMetadata struct {
		TokensTotal int    `json:"tokensTotal"`
		Error       string `json:"error,omitempty"`
	}

	// Broadcaster delivers events to the clients listening on a channel.
	// Delivery is best effort: callers log errors and carry on.
	Broadcaster interface {
		Broadcast(ctx context.Context, channel string, event Event) error
	}

	// BroadcasterFunc adapts a function to Broadcaster.
	BroadcasterFunc func(ctx context.Context, channel string, event Event) error

	// Recorder is a Broadcaster keeping every event in memory.
	Recorder struct {
		mu     sync.Mutex
		events []Recorded
	}

	// Recorded is an event captured by a Recorder.
	Recorded struct {
		Channel string
		Event   Event
	}
)

const (
	// EventStart is emitted before the first chunk is consumed.
	EventStart EventType = "streaming:start"
	// EventUpdate is emitted once per chunk.
	EventUpdate EventType = "streaming:update"
	// EventComplete is emitted once when streaming ends, whatever the
	// outcome.
	EventComplete EventType = "streaming:complete"
)

// NewBase returns a Base for concrete events.
func NewBase(t EventType, messageID, executionID string, payload any) Base {
	return Base{t: t, m: messageID, x: executionID, p: payload}
}

// Type implements Event.
func (e Base) Type() EventType { return e.t }

// MessageID implements Event.
func (e Base) MessageID() string { return e.m }

// ExecutionID implements Event.
func (e Base) ExecutionID() string { return e.x }

// Payload implements Event.
func (e Base) Payload() any { return e.p }

// NewStart builds an EventStart.
func NewStart(executionID string, p StartPayload) Start {
	return Start{Base: NewBase(EventStart, p.MessageID, executionID, p), Data: p}
}

// NewUpdate builds an EventUpdate.
func NewUpdate(executionID string, p UpdatePayload) Update {
	return Update{Base: NewBase(EventUpdate, p.MessageID, executionID, p), Data: p}
}

// NewComplete builds an EventComplete. Complete is always true.
func NewComplete(executionID string, p CompletePayload) Complete {
	p.Complete = true
	return Complete{Base: NewBase(EventComplete, p.MessageID, executionID, p), Data: p}
}

// UserChannel returns the broadcast channel of a user.
func UserChannel(userID string) string {
	return "user:" + userID
}

// Broadcast implements Broadcaster.
func (f BroadcasterFunc) Broadcast(ctx context.Context, channel string, event Event) error {
	return f(ctx, channel, event)
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Broadcast implements Broadcaster.
func (r *Recorder) Broadcast(_ context.Context, channel string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Channel: channel, Event: event})
	return nil
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the types of the recorded events in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event.Type()
	}
	return out
}
