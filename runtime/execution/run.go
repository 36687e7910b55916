package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/episode"
	"goa.design/agentgov/runtime/agent/history"
	"goa.design/agentgov/runtime/agent/model"
	"goa.design/agentgov/runtime/agent/resolver"
	"goa.design/agentgov/runtime/agent/session"
	"goa.design/agentgov/runtime/agent/stream"
	"goa.design/agentgov/runtime/agent/telemetry"
	"goa.design/agentgov/runtime/governance"
)

// run holds the state of a single execution.
type run struct {
	o    *Orchestrator
	req  *Request
	span telemetry.Span

	state     State
	agent     *agent.Agent
	execID    string
	messageID string
	channel   string
	selection model.Selection
	response  string
	tokens    int
	sessionID string
}

func (r *run) execute(ctx context.Context) *Result {
	r.enter(ctx, StateResolving)
	a, meta, err := r.o.resolver.Resolve(ctx, resolver.Selector{
		AgentID:     r.req.AgentID,
		UserID:      r.req.UserID,
		WorkspaceID: r.req.WorkspaceID,
		SessionID:   r.req.SessionID,
	})
	if err != nil {
		msg := "agent not found"
		if !errors.Is(err, resolver.ErrAgentNotFound) {
			msg = "agent resolution failed: " + err.Error()
		}
		r.o.logger.Warn(ctx, "agent resolution failed", "agent_id", string(r.req.AgentID), "err", err)
		return r.fail(ctx, FailureResolution, msg, err)
	}
	r.agent = a
	r.o.logger.Debug(ctx, "agent resolved", "agent_id", string(a.ID), "path", meta.Path)

	r.enter(ctx, StateGovernanceCheck)
	action := r.req.Action
	if action == "" {
		action = governance.DefaultAction
	}
	decision := r.o.governance.CanPerformAction(ctx, a, action)
	if !decision.Proceed {
		return r.block(ctx, action, decision)
	}

	r.execID = r.o.newID()
	r.messageID = r.o.newID()
	r.channel = r.o.channel(r.req)
	r.span.AddEvent("execution.allocated", "execution_id", r.execID, "agent_id", string(a.ID))

	r.enter(ctx, StateModelSelection)
	complexity := r.o.selector.AnalyzeComplexity(r.req.Message)
	sel, err := r.o.selector.SelectProvider(complexity)
	if err != nil {
		r.o.logger.Error(ctx, "model selection failed", "execution_id", r.execID, "score", complexity.Score, "err", err)
		return r.fail(ctx, FailureModelSelection, "model selection failed: "+err.Error(), err)
	}
	r.selection = sel

	r.enter(ctx, StateStreaming)
	if err := r.stream(ctx); err != nil {
		msg := "stream failed: " + err.Error()
		if ctx.Err() != nil {
			msg = "execution canceled: " + err.Error()
		}
		r.o.logger.Error(ctx, "model stream failed",
			"execution_id", r.execID,
			"agent_id", string(a.ID),
			"provider", sel.Provider,
			"tokens", r.tokens,
			"err", err,
		)
		return r.fail(ctx, FailureStream, msg, err)
	}

	r.enter(ctx, StatePersisting)
	r.persist(ctx)

	r.enter(ctx, StateEpisodeTrigger)
	r.triggerEpisode(ctx)

	r.enter(ctx, StateComplete)
	return &Result{
		Success:             true,
		Outcome:             OutcomeOK,
		State:               StateComplete,
		ExecutionID:         r.execID,
		AgentID:             string(a.ID),
		AgentName:           a.Name,
		Response:            r.response,
		SessionID:           r.sessionID,
		MessageID:           r.messageID,
		Tokens:              r.tokens,
		Provider:            sel.Provider,
		Model:               sel.Model,
		RequiresSupervision: decision.RequiresSupervision,
	}
}

// stream consumes the model stream. When streaming is requested it emits the
// start event before opening the stream, one update per chunk and exactly
// one complete event whatever the outcome.
func (r *run) stream(ctx context.Context) (err error) {
	if r.req.Stream {
		r.broadcast(ctx, stream.NewStart(r.execID, stream.StartPayload{
			MessageID:   r.messageID,
			AgentID:     string(r.agent.ID),
			AgentName:   r.agent.Name,
			ExecutionID: r.execID,
		}))
	}
	var content strings.Builder
	defer func() {
		r.response = content.String()
		if !r.req.Stream {
			return
		}
		meta := stream.CompleteMetadata{TokensTotal: r.tokens}
		if err != nil {
			meta.Error = err.Error()
		}
		// The request context may be done; the terminal event is still
		// delivered on a bounded detached context.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.completeTimeout)
		defer cancel()
		r.broadcast(cctx, stream.NewComplete(r.execID, stream.CompletePayload{
			MessageID: r.messageID,
			Content:   r.response,
			Metadata:  meta,
		}))
	}()

	streamer, err := r.o.client.Stream(ctx, &model.Request{
		Provider: r.selection.Provider,
		Model:    r.selection.Model,
		Messages: r.messages(),
	})
	if err != nil {
		return fmt.Errorf("open %s stream: %w", r.selection.Provider, err)
	}
	defer func() {
		if cerr := streamer.Close(); cerr != nil {
			r.o.logger.Warn(ctx, "failed to close model stream", "execution_id", r.execID, "err", cerr)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.tokens++
		content.WriteString(chunk.Text)
		if r.req.Stream {
			r.broadcast(ctx, stream.NewUpdate(r.execID, stream.UpdatePayload{
				MessageID: r.messageID,
				Delta:     chunk.Text,
			}))
		}
	}
}

// messages builds the model conversation: system prompt, prior history and
// the user message.
func (r *run) messages() []model.Message {
	msgs := make([]model.Message, 0, len(r.req.History)+2)
	prompt := r.agent.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s, a helpful assistant.", r.agent.Name)
	}
	msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: prompt})
	msgs = append(msgs, r.req.History...)
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: r.req.Message})
	return msgs
}

// persist records the session and the two messages of the exchange.
// Failures are logged and do not fail the execution.
func (r *run) persist(ctx context.Context) {
	sessionID, err := r.o.sessions.CreateOrReuse(ctx, r.req.SessionID, session.Owner{
		UserID:      r.req.UserID,
		WorkspaceID: r.req.WorkspaceID,
		AgentID:     string(r.agent.ID),
	})
	if err != nil {
		r.o.metrics.IncCounter("agentgov.execution.persistence_failures", 1, "stage", "session")
		r.o.logger.Error(ctx, "failed to resolve session", "execution_id", r.execID, "err", err)
		r.sessionID = r.req.SessionID
		if r.sessionID == "" {
			r.o.logger.Warn(ctx, "skipping history without a session", "execution_id", r.execID)
			return
		}
	} else {
		r.sessionID = sessionID
	}

	now := r.o.now().UTC()
	entries := []*history.Message{
		{
			ID:        r.o.newID(),
			SessionID: r.sessionID,
			UserID:    r.req.UserID,
			Role:      model.RoleUser,
			Content:   r.req.Message,
			Metadata: map[string]any{
				"execution_id": r.execID,
				"agent_id":     string(r.agent.ID),
			},
			CreatedAt: now,
		},
		{
			ID:        r.messageID,
			SessionID: r.sessionID,
			UserID:    r.req.UserID,
			Role:      model.RoleAssistant,
			Content:   r.response,
			Metadata: map[string]any{
				"execution_id": r.execID,
				"agent_id":     string(r.agent.ID),
				"provider":     r.selection.Provider,
				"model":        r.selection.Model,
				"tokens":       r.tokens,
			},
			CreatedAt: now,
		},
	}
	for _, m := range entries {
		if err := r.o.history.AddMessage(ctx, m); err != nil {
			r.o.metrics.IncCounter("agentgov.execution.persistence_failures", 1, "stage", "history")
			r.o.logger.Error(ctx, "failed to persist message",
				"execution_id", r.execID,
				"role", string(m.Role),
				"err", err,
			)
		}
	}
}

func (r *run) triggerEpisode(ctx context.Context) {
	if r.o.episodes == nil {
		return
	}
	r.o.episodes.Submit(ctx, episode.Context{
		ExecutionID: r.execID,
		AgentID:     string(r.agent.ID),
		AgentName:   r.agent.Name,
		UserID:      r.req.UserID,
		SessionID:   r.sessionID,
		WorkspaceID: r.req.WorkspaceID,
		UserMessage: r.req.Message,
		Response:    r.response,
		Provider:    r.selection.Provider,
		Model:       r.selection.Model,
		Tokens:      r.tokens,
		CompletedAt: r.o.now(),
	})
}

func (r *run) broadcast(ctx context.Context, ev stream.Event) {
	if err := r.o.broadcaster.Broadcast(ctx, r.channel, ev); err != nil {
		r.o.logger.Warn(ctx, "failed to broadcast streaming event",
			"execution_id", r.execID,
			"event", string(ev.Type()),
			"err", err,
		)
	}
}

func (r *run) enter(ctx context.Context, s State) {
	r.state = s
	r.span.AddEvent("execution.state", "state", string(s))
	r.o.logger.Debug(ctx, "execution state", "state", string(s), "execution_id", r.execID)
}

func (r *run) block(ctx context.Context, action string, d governance.Decision) *Result {
	r.enter(ctx, StateBlocked)
	r.o.logger.Info(ctx, "execution blocked by governance",
		"agent_id", string(r.agent.ID),
		"maturity", r.agent.Maturity.String(),
		"action", action,
		"reason", d.Reason,
	)
	return &Result{
		Outcome:   OutcomeBlocked,
		State:     StateBlocked,
		AgentID:   string(r.agent.ID),
		AgentName: r.agent.Name,
		SessionID: r.req.SessionID,
		Error:     "blocked by governance: " + d.Reason,
	}
}

func (r *run) fail(ctx context.Context, kind FailureKind, msg string, cause error) *Result {
	r.enter(ctx, StateFailed)
	r.span.RecordError(cause)
	res := &Result{
		Outcome:     OutcomeFailed,
		FailureKind: kind,
		State:       StateFailed,
		ExecutionID: r.execID,
		AgentID:     string(r.req.AgentID),
		MessageID:   r.messageID,
		SessionID:   r.req.SessionID,
		Tokens:      r.tokens,
		Provider:    r.selection.Provider,
		Model:       r.selection.Model,
		Error:       msg,
	}
	if r.agent != nil {
		res.AgentID = string(r.agent.ID)
		res.AgentName = r.agent.Name
	}
	return res
}
