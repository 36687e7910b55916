package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentgov/runtime/agent"
	historyinmem "goa.design/agentgov/runtime/agent/history/inmem"
	"goa.design/agentgov/runtime/agent/session"
	sessioninmem "goa.design/agentgov/runtime/agent/session/inmem"
	"goa.design/agentgov/runtime/agent/telemetry"
	"goa.design/agentgov/runtime/execution"
)

func TestWiringPromotionInvalidatesCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := defaultConfig()
	cfg.RateLimit.Enabled = true
	logger := telemetry.NewNoopLogger()

	dir, err := buildDirectory(ctx, cfg.Agents)
	require.NoError(t, err)
	svc, err := buildGovernance(ctx, cfg, nil, dir, logger, telemetry.NewNoopMetrics())
	require.NoError(t, err)
	router, err := buildRouter(ctx, cfg, nil, logger)
	require.NoError(t, err)
	broadcaster, err := buildBroadcaster(cfg, nil)
	require.NoError(t, err)
	sessions, err := session.NewManager(session.ManagerOptions{Store: sessioninmem.New()})
	require.NoError(t, err)

	orch, err := execution.New(execution.Options{
		Resolver:    dir,
		Governance:  svc,
		Selector:    router,
		Client:      router,
		History:     historyinmem.New(),
		Sessions:    sessions,
		Broadcaster: broadcaster,
	})
	require.NoError(t, err)

	req := &execution.Request{AgentID: "student", Message: "drop it", UserID: "u1", Action: "delete"}
	res, err := orch.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, execution.OutcomeBlocked, res.Outcome)
	require.Equal(t, 1, svc.Stats().Size)

	require.NoError(t, promote(ctx, orch, dir, req, "autonomous"))
	require.Zero(t, svc.Stats().Size, "maturity change drops cached decisions")

	res, err = orch.Execute(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "drop it", res.Response)

	a, ok := dir.Get("student")
	require.True(t, ok)
	require.Equal(t, agent.MaturityAutonomous, a.Maturity)
}
