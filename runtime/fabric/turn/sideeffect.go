package turn

import (
	"time"

	"goa.design/acf/runtime/fabric/toolpolicy"
)

type (
	// SideEffect mirrors one tool execution onto the turn's ledger. Entries
	// are appended in execution order and become part of the committed audit
	// record.
	SideEffect struct {
		// Tool is the fully qualified tool name.
		Tool string
		// Policy is the reversibility class resolved at execution time.
		// Undeclared tools resolve to IRREVERSIBLE.
		Policy toolpolicy.Policy
		// Declared records whether the tool had an explicit declaration.
		// False means the policy above is the fail-closed default.
		Declared bool
		// ExecutedAt is when the tool finished.
		ExecutedAt time.Time
		// Phase is the pipeline phase that ran the tool.
		Phase int
		// CompensationRef names the compensation handle for COMPENSATABLE
		// effects. Empty otherwise.
		CompensationRef string
	}
)

// HasIrreversible reports whether any ledger entry is IRREVERSIBLE. Once
// true the turn is past the irreversibility barrier: it can no longer be
// superseded and arriving messages queue instead.
func HasIrreversible(effects []SideEffect) bool {
	for _, se := range effects {
		if se.Policy == toolpolicy.PolicyIrreversible {
			return true
		}
	}
	return false
}

// Compensatable returns the COMPENSATABLE entries in reverse execution
// order, the order compensation must run in.
func Compensatable(effects []SideEffect) []SideEffect {
	var out []SideEffect
	for i := len(effects) - 1; i >= 0; i-- {
		if effects[i].Policy == toolpolicy.PolicyCompensatable {
			out = append(out, effects[i])
		}
	}
	return out
}
