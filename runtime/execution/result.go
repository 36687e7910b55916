package execution

import (
	"errors"

	"goa.design/agentgov/runtime/agent"
	"goa.design/agentgov/runtime/agent/model"
)

type (
	// State is a stage of the execution state machine.
	State string

	// Outcome is the variant of a Result.
	Outcome string

	// FailureKind classifies failed executions.
	FailureKind string

	// Request describes one agent turn.
	Request struct {
		// AgentID selects the agent. Empty selects the workspace or system
		// default agent.
		AgentID agent.Ident
		// Message is the user message. Required.
		Message string
		// UserID is the user the agent acts for. Required.
		UserID string
		// SessionID continues an existing session. Empty starts a new one.
		SessionID string
		// WorkspaceID scopes agent resolution and the session.
		WorkspaceID string
		// History is prior conversation, oldest first.
		History []model.Message
		// Stream enables streaming events on the user's channel.
		Stream bool
		// Action is the governed action type. Defaults to
		// governance.DefaultAction.
		Action string
	}

	// Result is the outcome of an execution. Outcome selects the variant:
	// OutcomeOK carries the response, OutcomeBlocked carries no execution ID
	// and OutcomeFailed carries FailureKind. Error is a human readable
	// message for non-OK outcomes.
	Result struct {
		Success     bool
		Outcome     Outcome
		FailureKind FailureKind
		// State is the terminal state reached.
		State State
		// ExecutionID is empty unless governance allowed the execution.
		ExecutionID string
		AgentID     string
		AgentName   string
		Response    string
		SessionID   string
		MessageID   string
		// Tokens is the number of streamed chunks.
		Tokens   int
		Provider string
		Model    string
		// RequiresSupervision reports that governance allowed the execution
		// under supervision.
		RequiresSupervision bool
		Error               string
	}
)

// States of the execution state machine, in the order they are entered.
// StateComplete, StateBlocked and StateFailed are terminal.
const (
	StateResolving       State = "resolving"
	StateGovernanceCheck State = "governance_check"
	StateModelSelection  State = "model_selection"
	StateStreaming       State = "streaming"
	StatePersisting      State = "persisting"
	StateEpisodeTrigger  State = "episode_trigger"
	StateComplete        State = "complete"
	StateBlocked         State = "blocked"
	StateFailed          State = "failed"
)

// Outcomes distinguish the Result variants.
const (
	OutcomeOK      Outcome = "ok"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// Failure kinds name the stage a failed execution stopped at.
const (
	FailureResolution     FailureKind = "resolution"
	FailureModelSelection FailureKind = "model_selection"
	FailureStream         FailureKind = "stream"
)

var (
	// ErrGovernanceBlocked matches results blocked by governance.
	ErrGovernanceBlocked = errors.New("blocked by governance")
	// ErrResolution matches results that failed to resolve the agent.
	ErrResolution = errors.New("agent resolution failed")
	// ErrModelSelection matches results that failed to select a provider.
	ErrModelSelection = errors.New("model selection failed")
	// ErrStream matches results whose model stream failed.
	ErrStream = errors.New("stream failed")
)

// Terminal reports whether s ends the state machine.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateBlocked || s == StateFailed
}

// Err returns nil for successful results and an error matching one of the
// package sentinel errors otherwise.
func (r *Result) Err() error {
	switch r.Outcome {
	case OutcomeOK:
		return nil
	case OutcomeBlocked:
		return &resultError{msg: r.Error, kind: ErrGovernanceBlocked}
	}
	var sentinel error
	switch r.FailureKind {
	case FailureResolution:
		sentinel = ErrResolution
	case FailureModelSelection:
		sentinel = ErrModelSelection
	default:
		sentinel = ErrStream
	}
	return &resultError{msg: r.Error, kind: sentinel}
}

// resultError carries the result message verbatim and unwraps to the
// sentinel of the outcome.
type resultError struct {
	msg  string
	kind error
}

func (e *resultError) Error() string { return e.msg }

func (e *resultError) Unwrap() error { return e.kind }
