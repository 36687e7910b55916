// Package model defines the provider-agnostic contracts used to stream chat
// completions from language model providers and to choose which provider
// serves a given message.
package model

import (
	"context"
	"errors"
)

type (
	// Client streams chat completions from a provider. Implementations must be
	// safe for concurrent use.
	Client interface {
		// Stream starts a completion and returns a Streamer yielding the
		// response incrementally. Callers must Close the returned Streamer.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return chunks until io.EOF. Any other error aborts the stream. A
	// Streamer is used from a single goroutine.
	Streamer interface {
		// Recv returns the next chunk.
		Recv() (Chunk, error)
		// Close releases the stream resources.
		Close() error
	}

	// Request is a normalized completion request.
	Request struct {
		// Provider names the provider that serves the request.
		Provider string
		// Model is the provider specific model identifier.
		Model string
		// Messages is the ordered conversation, oldest first.
		Messages []Message
		// MaxTokens caps the completion length. Zero uses the provider
		// default.
		MaxTokens int
		// Temperature is the sampling temperature. Zero uses the provider
		// default.
		Temperature float64
	}

	// Message is a single conversation turn.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Role identifies the author of a message.
	Role string

	// Chunk is one streamed fragment of the response.
	Chunk struct {
		// Text is the text delta carried by the chunk.
		Text string
	}
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrUnknownProvider indicates no client is registered for the requested
	// provider.
	ErrUnknownProvider = errors.New("model: unknown provider")
)

// TextLength returns the number of bytes of message content in the request.
func (r *Request) TextLength() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}
