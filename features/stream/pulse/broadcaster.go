// Package pulse delivers execution streaming events over goa.design/pulse
// streams. Each broadcast channel maps to one Pulse stream; the Broadcaster
// publishes JSON envelopes and the Subscriber decodes them on the client side.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/agentgov/features/stream/pulse/clients/pulse"
	"goa.design/agentgov/runtime/agent/stream"
)

type (
	// Options configures the Broadcaster.
	Options struct {
		// Client publishes to Pulse. Required.
		Client clientspulse.Client
		// StreamName maps a broadcast channel to a Pulse stream name.
		// Defaults to the channel itself.
		StreamName func(channel string) string
		// Clock stamps envelopes. Defaults to time.Now.
		Clock func() time.Time
	}

	// Broadcaster implements stream.Broadcaster on Pulse. It is safe for
	// concurrent use.
	Broadcaster struct {
		client     clientspulse.Client
		streamName func(string) string
		now        func() time.Time
	}

	// envelope is the wire format of a streaming event.
	envelope struct {
		Type        string          `json:"type"`
		MessageID   string          `json:"message_id"`
		ExecutionID string          `json:"execution_id"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}
)

// NewBroadcaster returns a Pulse backed broadcaster.
func NewBroadcaster(opts Options) (*Broadcaster, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	b := &Broadcaster{client: opts.Client, streamName: opts.StreamName, now: opts.Clock}
	if b.streamName == nil {
		b.streamName = func(channel string) string { return channel }
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Broadcast implements stream.Broadcaster.
func (b *Broadcaster) Broadcast(ctx context.Context, channel string, event stream.Event) error {
	if channel == "" {
		return errors.New("broadcast channel is required")
	}
	body, err := json.Marshal(event.Payload())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:        string(event.Type()),
		MessageID:   event.MessageID(),
		ExecutionID: event.ExecutionID(),
		Timestamp:   b.now().UTC(),
		Payload:     body,
	})
	if err != nil {
		return err
	}
	str, err := b.client.Stream(b.streamName(channel))
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, string(event.Type()), payload)
	return err
}

// Close releases the underlying client.
func (b *Broadcaster) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}
