// Package redis propagates governance cache invalidations between replicas
// over Redis pub/sub. A replica that changes an agent's maturity publishes
// the agent ID; every other replica drops the cached decisions of that agent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/telemetry"
)

// DefaultChannel is the pub/sub channel used when Options.Channel is empty.
const DefaultChannel = "agentgov:governance:invalidate"

type (
	// Options configures a Bus.
	Options struct {
		// Redis carries the invalidations. Required.
		Redis *redis.Client
		// Channel is the pub/sub channel. Defaults to DefaultChannel.
		Channel string
		// NodeID identifies this replica so it ignores its own messages.
		// Defaults to a random UUID.
		NodeID string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Invalidator drops the cached decisions of an agent.
	// *governance.Service implements it.
	Invalidator interface {
		InvalidateAgent(ctx context.Context, id agent.Ident) int
	}

	// Bus publishes and applies agent invalidations. It implements
	// governance.Publisher.
	Bus struct {
		rdb     *redis.Client
		channel string
		node    string
		logger  telemetry.Logger
	}

	message struct {
		Node    string `json:"node"`
		AgentID string `json:"agent_id"`
	}
)

// New returns a Bus.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	b := &Bus{rdb: opts.Redis, channel: opts.Channel, node: opts.NodeID, logger: opts.Logger}
	if b.channel == "" {
		b.channel = DefaultChannel
	}
	if b.node == "" {
		b.node = uuid.NewString()
	}
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	return b, nil
}

// NodeID returns the replica identifier stamped on published messages.
func (b *Bus) NodeID() string { return b.node }

// PublishAgentInvalidation implements governance.Publisher.
func (b *Bus) PublishAgentInvalidation(ctx context.Context, id agent.Ident) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	payload, err := json.Marshal(message{Node: b.node, AgentID: string(id)})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation for %s: %w", id, err)
	}
	return nil
}

// Run applies invalidations published by other replicas to target until ctx
// is done. ready, when not nil, is closed once the subscription is
// confirmed.
func (b *Bus) Run(ctx context.Context, target Invalidator, ready chan<- struct{}) error {
	if target == nil {
		return errors.New("invalidation target is required")
	}
	ps := b.rdb.Subscribe(ctx, b.channel)
	defer func() {
		if err := ps.Close(); err != nil {
			b.logger.Warn(ctx, "failed to close invalidation subscription", "err", err)
		}
	}()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info(ctx, "listening for governance invalidations", "channel", b.channel, "node", b.node)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.apply(ctx, target, msg.Payload)
		}
	}
}

// apply decodes one message and invalidates the agent unless the message
// originates from this replica.
func (b *Bus) apply(ctx context.Context, target Invalidator, payload string) bool {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.logger.Warn(ctx, "ignoring malformed invalidation", "payload", payload, "err", err)
		return false
	}
	if m.AgentID == "" || m.Node == b.node {
		return false
	}
	n := target.InvalidateAgent(ctx, agent.Ident(m.AgentID))
	b.logger.Debug(ctx, "applied remote invalidation", "agent_id", m.AgentID, "from", m.Node, "entries", n)
	return true
}
