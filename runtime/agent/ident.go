// Package agent defines the agent entity executed by the runtime together with
// the maturity tiers that gate what an agent may do.
package agent

// Ident is the strong type for agent identifiers. Identifiers are compared
// exactly: "agent_1" and "agent_10" are distinct agents and no prefix relation
// between them is ever assumed.
type Ident string

// String returns the identifier as a plain string.
func (id Ident) String() string {
	return string(id)
}
