package agent

import (
	"fmt"
	"strings"
)

type (
	// Agent is the registered agent an execution runs on behalf of. Values are
	// treated as read-only for the duration of an execution.
	Agent struct {
		// ID uniquely identifies the agent.
		ID Ident
		// Name is the human readable agent name used in streaming events.
		Name string
		// Category groups agents by business domain (e.g. "finance").
		Category string
		// Maturity is the governance tier of the agent.
		Maturity Maturity
		// Confidence is the agent confidence score in [0, 1].
		Confidence float64
		// WorkspaceID scopes the agent to a workspace. Empty means global.
		WorkspaceID string
		// SystemPrompt is prepended to the conversation sent to the model.
		SystemPrompt string
	}

	// Maturity is the ordinal governance tier of an agent. Higher tiers are
	// allowed to perform strictly more actions than lower ones.
	Maturity int
)

const (
	// MaturityStudent agents are limited to read-only, low complexity actions.
	MaturityStudent Maturity = iota + 1
	// MaturityIntern agents may perform moderate actions under supervision.
	MaturityIntern
	// MaturitySupervised agents may perform anything but irreversible actions.
	MaturitySupervised
	// MaturityAutonomous agents are unrestricted.
	MaturityAutonomous
)

var maturityNames = map[Maturity]string{
	MaturityStudent:    "STUDENT",
	MaturityIntern:     "INTERN",
	MaturitySupervised: "SUPERVISED",
	MaturityAutonomous: "AUTONOMOUS",
}

// String returns the upper case tier name, e.g. "STUDENT".
func (m Maturity) String() string {
	if s, ok := maturityNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Maturity(%d)", int(m))
}

// Valid reports whether m is one of the defined tiers.
func (m Maturity) Valid() bool {
	_, ok := maturityNames[m]
	return ok
}

// AtLeast reports whether m is the same tier as or a higher tier than other.
func (m Maturity) AtLeast(other Maturity) bool {
	return m >= other
}

// ParseMaturity parses a tier name case-insensitively.
func ParseMaturity(s string) (Maturity, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for m, n := range maturityNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown maturity level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Maturity) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid maturity level %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so tiers can be read from
// configuration files by name.
func (m *Maturity) UnmarshalText(text []byte) error {
	parsed, err := ParseMaturity(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
