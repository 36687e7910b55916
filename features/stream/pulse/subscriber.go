package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentgov/features/stream/pulse/clients/pulse"
	"goa.design/agentgov/runtime/agent/stream"
)

const (
	defaultSinkName = "agentgov_subscriber"
	defaultBuffer   = 64
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client reads from Pulse. Required.
		Client clientspulse.Client
		// SinkName is the Pulse consumer group. Defaults to
		// "agentgov_subscriber".
		SinkName string
		// Buffer is the capacity of the event channel. Defaults to 64.
		Buffer int
		// StreamName must match the Broadcaster option. Defaults to the
		// channel itself.
		StreamName func(channel string) string
	}

	// Subscriber reads the streaming events of a channel.
	Subscriber struct {
		client     clientspulse.Client
		name       string
		buffer     int
		streamName func(string) string
	}

	// received is a decoded streaming event. Its payload is the raw JSON
	// body.
	received struct {
		t stream.EventType
		m string
		x string
		b json.RawMessage
	}
)

func (e received) Type() stream.EventType { return e.t }
func (e received) MessageID() string      { return e.m }
func (e received) ExecutionID() string    { return e.x }
func (e received) Payload() any           { return e.b }

// NewSubscriber returns a Subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client:     opts.Client,
		name:       opts.SinkName,
		buffer:     opts.Buffer,
		streamName: opts.StreamName,
	}
	if s.name == "" {
		s.name = defaultSinkName
	}
	if s.buffer <= 0 {
		s.buffer = defaultBuffer
	}
	if s.streamName == nil {
		s.streamName = func(channel string) string { return channel }
	}
	return s, nil
}

// Subscribe consumes the events broadcast on channel until ctx is done or
// the returned cancel function is called. Both returned channels are closed
// when consumption stops; a decode or ack failure is sent on the error
// channel and stops consumption.
func (s *Subscriber) Subscribe(ctx context.Context, channel string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.streamName(channel))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := DecodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// DecodeEnvelope decodes a payload written by Broadcaster.
func DecodeEnvelope(payload []byte) (stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errors.New("envelope type is required")
	}
	return received{t: stream.EventType(env.Type), m: env.MessageID, x: env.ExecutionID, b: env.Payload}, nil
}
