package pulse

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentgov/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
		err     error
	}

	fakeStream struct {
		mu      sync.Mutex
		name    string
		added   []added
		sink    *fakeSink
		addErr  error
		sinkErr error
	}

	added struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		name   string
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, added{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	if s.sink == nil {
		s.sink = &fakeSink{ch: make(chan *streaming.Event, 8)}
	}
	s.sink.name = name
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) entries() []added {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]added(nil), s.added...)
}

func (k *fakeSink) Subscribe() <-chan *streaming.Event { return k.ch }

func (k *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.acked = append(k.acked, evt.ID)
	return k.ackErr
}

func (k *fakeSink) Close(context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
}
