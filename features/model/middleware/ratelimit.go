// Package middleware provides model.Client middlewares. RateLimiter bounds the
// tokens per minute sent to a provider and adapts the budget to the provider
// rate limiting signals.
package middleware

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"goa.design/agentgov/runtime/agent/model"
	"goa.design/agentgov/runtime/agent/telemetry"
)

const (
	defaultTPM = 60000
	// minEstimate is charged for every request, covering the system prompt
	// and provider framing.
	minEstimate = 500
)

type (
	// RateLimitOptions configures a RateLimiter.
	RateLimitOptions struct {
		// InitialTPM is the starting tokens per minute budget. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM caps the budget. Values below InitialTPM are raised to it.
		MaxTPM float64
		// Cluster, when set with Key, shares the budget across replicas.
		Cluster *rmap.Map
		// Key is the Cluster entry holding the shared budget.
		Key string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// RateLimiter is an AIMD token bucket in front of a model.Client: a
	// rate limited call halves the budget, a successful call adds a fixed
	// step back, within [InitialTPM/10, MaxTPM].
	RateLimiter struct {
		logger telemetry.Logger

		mu       sync.Mutex
		limiter  *rate.Limiter
		current  float64
		floor    float64
		ceiling  float64
		step     float64
		onChange func(backoff bool)
	}

	limitedClient struct {
		next    model.Client
		limiter *RateLimiter
	}

	limitedStreamer struct {
		model.Streamer
		limiter  *RateLimiter
		observed bool
	}

	// clusterMap is the subset of rmap.Map the shared budget relies on.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewRateLimiter returns a RateLimiter. When opts.Cluster and opts.Key are
// set the budget is seeded from and kept in sync with the shared map; if the
// map cannot be seeded the limiter stays process local.
func NewRateLimiter(ctx context.Context, opts RateLimitOptions) (*RateLimiter, error) {
	if opts.InitialTPM < 0 || opts.MaxTPM < 0 {
		return nil, errors.New("rate limit budget must not be negative")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var cm clusterMap
	if opts.Cluster != nil {
		cm = opts.Cluster
	}
	return newRateLimiter(ctx, cm, opts.Key, opts.InitialTPM, opts.MaxTPM, logger), nil
}

func newLocalRateLimiter(initial, ceiling float64, logger telemetry.Logger) *RateLimiter {
	if initial <= 0 {
		initial = defaultTPM
	}
	if ceiling < initial {
		ceiling = initial
	}
	return &RateLimiter{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(initial/60), int(initial)),
		current: initial,
		floor:   max(initial*0.1, 1),
		ceiling: ceiling,
		step:    max(initial*0.05, 1),
	}
}

func newRateLimiter(ctx context.Context, m clusterMap, key string, initial, ceiling float64, logger telemetry.Logger) *RateLimiter {
	if m == nil || key == "" {
		return newLocalRateLimiter(initial, ceiling, logger)
	}
	if initial <= 0 {
		initial = defaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initial))); err != nil {
			logger.Warn(ctx, "failed to seed shared rate limit, using local budget", "key", key, "err", err)
			return newLocalRateLimiter(initial, ceiling, logger)
		}
	}
	shared := initial
	if v, ok := readTPM(m, key); ok {
		shared = v
	}
	l := newLocalRateLimiter(shared, max(ceiling, initial), logger)
	floor, top, step := l.floor, l.ceiling, l.step
	l.onChange = func(backoff bool) {
		if backoff {
			go updateShared(m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
			return
		}
		go updateShared(m, key, func(cur float64) float64 { return min(cur+step, top) })
	}

	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := readTPM(m, key); ok {
				l.set(v)
			}
		}
	}()
	return l
}

// Wrap returns next behind the limiter.
func (l *RateLimiter) Wrap(next model.Client) model.Client {
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current tokens per minute budget.
func (l *RateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Stream waits for capacity before opening the stream. Rate limiting errors
// returned by Stream or by the first failing Recv shrink the budget.
func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.limiter.WaitN(ctx, c.limiter.cost(req)); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	if err != nil {
		c.limiter.observe(ctx, err)
		return nil, err
	}
	return &limitedStreamer{Streamer: s, limiter: c.limiter}, nil
}

func (s *limitedStreamer) Recv() (model.Chunk, error) {
	chunk, err := s.Streamer.Recv()
	if err != nil && !s.observed {
		s.observed = true
		outcome := err
		if errors.Is(err, io.EOF) {
			outcome = nil
		}
		s.limiter.observe(context.Background(), outcome)
	}
	return chunk, err
}

// cost estimates the tokens of req: one per three characters plus a fixed
// overhead, never exceeding the bucket burst.
func (l *RateLimiter) cost(req *model.Request) int {
	n := req.TextLength()/3 + minEstimate
	l.mu.Lock()
	defer l.mu.Unlock()
	return min(n, l.limiter.Burst())
}

func (l *RateLimiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.adjust(func(cur float64) float64 { return cur + l.step }, false)
	case errors.Is(err, model.ErrRateLimited):
		if tpm, changed := l.adjust(func(cur float64) float64 { return cur * 0.5 }, true); changed {
			l.logger.Warn(ctx, "provider rate limited, reducing budget", "tpm", tpm)
		}
	}
}

func (l *RateLimiter) adjust(next func(float64) float64, backoff bool) (float64, bool) {
	l.mu.Lock()
	tpm := l.clamp(next(l.current))
	if tpm == l.current {
		l.mu.Unlock()
		return tpm, false
	}
	l.apply(tpm)
	cb := l.onChange
	l.mu.Unlock()

	if cb != nil {
		cb(backoff)
	}
	return tpm, true
}

// set replaces the budget with a value read from the shared map.
func (l *RateLimiter) set(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm = l.clamp(tpm); tpm != l.current {
		l.apply(tpm)
	}
}

func (l *RateLimiter) clamp(tpm float64) float64 {
	return min(max(tpm, l.floor), l.ceiling)
}

func (l *RateLimiter) apply(tpm float64) {
	l.current = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
}

func readTPM(m clusterMap, key string) (float64, bool) {
	cur, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(cur, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// updateShared applies next to the shared budget with optimistic
// concurrency, giving up after a few conflicting writers.
func updateShared(m clusterMap, key string, next func(float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nextStr := strconv.Itoa(int(next(cur)))
		if nextStr == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}
