// Package scripted provides a deterministic model.Client that replays
// scripted responses. It backs the demo command and tests; it does not talk to
// any provider.
package scripted

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"goa.design/agentgov/runtime/agent/model"
)

type (
	// Responder produces the chunks streamed for a request. A non-nil error
	// is returned by Recv after every chunk has been delivered.
	Responder func(req *model.Request) ([]string, error)

	// Options configures a Client.
	Options struct {
		// Respond produces the streamed chunks. Defaults to Echo.
		Respond Responder
		// OpenErr, when set, is returned by Stream.
		OpenErr error
		// Delay is waited before each chunk.
		Delay time.Duration
	}

	// Client is a scripted model.Client. It records every request it
	// receives.
	Client struct {
		opts Options

		mu       sync.Mutex
		requests []model.Request
	}

	streamer struct {
		ctx    context.Context
		chunks []string
		err    error
		delay  time.Duration
		next   int
		closed bool
	}
)

// New returns a scripted client.
func New(opts Options) *Client {
	if opts.Respond == nil {
		opts.Respond = Echo
	}
	return &Client{opts: opts}
}

// Chunks returns a Responder streaming the given chunks.
func Chunks(chunks ...string) Responder {
	return func(*model.Request) ([]string, error) {
		return chunks, nil
	}
}

// FailAfter returns a Responder streaming chunks then failing with err.
func FailAfter(err error, chunks ...string) Responder {
	return func(*model.Request) ([]string, error) {
		return chunks, err
	}
}

// Echo streams the words of the last user message back, one chunk per word.
func Echo(req *model.Request) ([]string, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == model.RoleUser {
			last = m.Content
		}
	}
	words := strings.Fields(last)
	chunks := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks[i] = w
	}
	return chunks, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	c.requests = append(c.requests, cloneRequest(req))
	c.mu.Unlock()

	if c.opts.OpenErr != nil {
		return nil, c.opts.OpenErr
	}
	chunks, err := c.opts.Respond(req)
	return &streamer{ctx: ctx, chunks: chunks, err: err, delay: c.opts.Delay}, nil
}

// Requests returns the requests received so far.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (s *streamer) Recv() (model.Chunk, error) {
	if s.closed {
		return model.Chunk{}, io.ErrClosedPipe
	}
	if err := s.ctx.Err(); err != nil {
		return model.Chunk{}, err
	}
	if s.next >= len(s.chunks) {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		return model.Chunk{}, io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return model.Chunk{}, s.ctx.Err()
		case <-timer.C:
		}
	}
	chunk := model.Chunk{Text: s.chunks[s.next]}
	s.next++
	return chunk, nil
}

func (s *streamer) Close() error {
	s.closed = true
	return nil
}

func cloneRequest(req *model.Request) model.Request {
	out := *req
	out.Messages = append([]model.Message(nil), req.Messages...)
	return out
}
