// Package pulse wraps goa.design/pulse streams behind the small interfaces the
// streaming broadcaster and subscriber need. Callers own the Redis connection
// and hand it to New.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen caps the entries kept per user stream. Zero keeps the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The Redis connection is left
		// open.
		Close(ctx context.Context) error
	}

	// Stream is a handle on a single Pulse stream.
	Stream interface {
		// Add appends an event and returns the Redis entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.StreamMaxLen < 0 || opts.OperationTimeout < 0 {
		return nil, errors.New("pulse options must not be negative")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream implements Client.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	all = append(all, opts...)
	str, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close implements Client.
func (c *client) Close(context.Context) error {
	return nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
