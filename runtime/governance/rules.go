package governance

import (
	"errors"
	"fmt"
	"strings"

	"goa.design/agentgov/runtime/agent"
)

type (
	// ActionComplexity ranks how much trust an action requires.
	ActionComplexity int

	// Decision is the governance verdict for an agent performing an action.
	Decision struct {
		// Proceed reports whether the agent may perform the action.
		Proceed bool `json:"proceed"`
		// Reason explains the verdict.
		Reason string `json:"reason"`
		// RequiresSupervision is set when the action may proceed only under
		// human supervision.
		RequiresSupervision bool `json:"requires_supervision,omitempty"`
		// Complexity is the complexity of the evaluated action.
		Complexity ActionComplexity `json:"complexity,omitempty"`
		// RequiredMaturity is the lowest tier allowed to perform the action.
		RequiredMaturity agent.Maturity `json:"required_maturity,omitempty"`
		// Maturity is the agent tier the decision was evaluated against.
		Maturity agent.Maturity `json:"maturity,omitempty"`
	}

	// RuleOptions configures a RuleTable.
	RuleOptions struct {
		// Actions overrides or extends the built-in action catalog. Keys are
		// matched case-insensitively.
		Actions map[string]ActionComplexity
		// DefaultComplexity applies to actions missing from the catalog.
		// Defaults to ComplexityModerate.
		DefaultComplexity ActionComplexity
	}

	// RuleTable maps action types to complexities and complexities to the
	// maturity tier required to perform them.
	RuleTable struct {
		actions  map[string]ActionComplexity
		fallback ActionComplexity
	}
)

const (
	// ComplexityLow covers read-only actions (search, read, summarize).
	ComplexityLow ActionComplexity = iota + 1
	// ComplexityModerate covers actions producing drafts or suggestions.
	ComplexityModerate
	// ComplexityHigh covers actions with external side effects.
	ComplexityHigh
	// ComplexityCritical covers irreversible or destructive actions.
	ComplexityCritical
)

// DefaultAction is the action governed when an agent answers a chat message.
const DefaultAction = "stream_chat"

var complexityNames = map[ActionComplexity]string{
	ComplexityLow:      "low",
	ComplexityModerate: "moderate",
	ComplexityHigh:     "high",
	ComplexityCritical: "critical",
}

// defaultActions is the built-in action catalog.
var defaultActions = map[string]ActionComplexity{
	"search":    ComplexityLow,
	"read":      ComplexityLow,
	"list":      ComplexityLow,
	"get":       ComplexityLow,
	"summarize": ComplexityLow,
	"present":   ComplexityLow,

	"analyze":     ComplexityModerate,
	"suggest":     ComplexityModerate,
	"draft":       ComplexityModerate,
	"generate":    ComplexityModerate,
	"recommend":   ComplexityModerate,
	DefaultAction: ComplexityModerate,

	"create":       ComplexityHigh,
	"update":       ComplexityHigh,
	"send_email":   ComplexityHigh,
	"post_message": ComplexityHigh,
	"schedule":     ComplexityHigh,
	"submit_form":  ComplexityHigh,

	"delete":   ComplexityCritical,
	"execute":  ComplexityCritical,
	"deploy":   ComplexityCritical,
	"transfer": ComplexityCritical,
	"payment":  ComplexityCritical,
	"approve":  ComplexityCritical,
}

// String returns the lower case complexity name.
func (c ActionComplexity) String() string {
	if s, ok := complexityNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ActionComplexity(%d)", int(c))
}

// UnmarshalText parses a complexity name so catalogs can be configured in
// YAML.
func (c *ActionComplexity) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for k, v := range complexityNames {
		if v == name {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("unknown action complexity %q", string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (c ActionComplexity) MarshalText() ([]byte, error) {
	if _, ok := complexityNames[c]; !ok {
		return nil, fmt.Errorf("invalid action complexity %d", int(c))
	}
	return []byte(c.String()), nil
}

// RequiredMaturity returns the lowest maturity tier allowed to perform
// actions of complexity c.
func RequiredMaturity(c ActionComplexity) agent.Maturity {
	switch c {
	case ComplexityLow:
		return agent.MaturityStudent
	case ComplexityModerate:
		return agent.MaturityIntern
	case ComplexityHigh:
		return agent.MaturitySupervised
	default:
		return agent.MaturityAutonomous
	}
}

// NewRuleTable builds a rule table from the built-in catalog merged with
// opts.Actions.
func NewRuleTable(opts RuleOptions) (*RuleTable, error) {
	fallback := opts.DefaultComplexity
	if fallback == 0 {
		fallback = ComplexityModerate
	}
	if _, ok := complexityNames[fallback]; !ok {
		return nil, fmt.Errorf("invalid default complexity %d", int(fallback))
	}
	actions := make(map[string]ActionComplexity, len(defaultActions)+len(opts.Actions))
	for k, v := range defaultActions {
		actions[k] = v
	}
	for k, v := range opts.Actions {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			return nil, errors.New("action name is required")
		}
		if _, ok := complexityNames[v]; !ok {
			return nil, fmt.Errorf("invalid complexity %d for action %q", int(v), k)
		}
		actions[name] = v
	}
	return &RuleTable{actions: actions, fallback: fallback}, nil
}

// Complexity returns the complexity of actionType.
func (t *RuleTable) Complexity(actionType string) ActionComplexity {
	if c, ok := t.actions[strings.ToLower(strings.TrimSpace(actionType))]; ok {
		return c
	}
	return t.fallback
}

// Evaluate computes the decision for a performing actionType from the
// agent's maturity alone.
func (t *RuleTable) Evaluate(a *agent.Agent, actionType string) Decision {
	complexity := t.Complexity(actionType)
	required := RequiredMaturity(complexity)
	d := Decision{
		Complexity:       complexity,
		RequiredMaturity: required,
		Maturity:         a.Maturity,
	}
	if !a.Maturity.Valid() {
		d.Reason = fmt.Sprintf("agent %s has no valid maturity level", a.ID)
		return d
	}
	if !a.Maturity.AtLeast(required) {
		d.Reason = fmt.Sprintf("%s agents cannot perform %s (requires %s)", a.Maturity, actionType, required)
		return d
	}
	d.Proceed = true
	if a.Maturity == agent.MaturityIntern && complexity == ComplexityModerate {
		d.RequiresSupervision = true
		d.Reason = fmt.Sprintf("INTERN agents may perform %s under supervision", actionType)
		return d
	}
	d.Reason = fmt.Sprintf("%s agents may perform %s actions", a.Maturity, complexity)
	return d
}
