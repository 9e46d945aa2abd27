// Package toolpolicy resolves the declared side-effect class of tools. The
// fabric never interprets tool semantics; the only thing it needs to know
// about a tool is how reversible its execution is, and that knowledge is
// declared out-of-band through configuration.
//
// Resolution fails closed: a tool with no declaration resolves to
// PolicyIrreversible, which blocks supersede for the turn that ran it.
package toolpolicy

import (
	"fmt"
	"sync"

	"goa.design/acf/runtime/fabric"
)

// Policy is the declared reversibility class of a tool.
type Policy string

const (
	// PolicyPure marks tools with no externally visible effect.
	PolicyPure Policy = "PURE"
	// PolicyIdempotent marks tools whose repeated execution converges.
	PolicyIdempotent Policy = "IDEMPOTENT"
	// PolicyCompensatable marks tools with a registered compensation.
	PolicyCompensatable Policy = "COMPENSATABLE"
	// PolicyIrreversible marks tools that cannot be undone. Also the
	// fail-closed default for undeclared tools.
	PolicyIrreversible Policy = "IRREVERSIBLE"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyPure, PolicyIdempotent, PolicyCompensatable, PolicyIrreversible:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown side-effect policy %q", s)
	}
}

type (
	// Declarations maps fully qualified tool names to their policy.
	Declarations map[string]Policy

	// AgentRules carries the per-agent knobs that gate supersede behavior.
	AgentRules struct {
		// DisallowSupersede forces QUEUE decisions for in-flight turns of
		// this agent even when no irreversible effect was recorded.
		DisallowSupersede bool

		// Overrides replaces the global declaration for specific tools.
		Overrides Declarations
	}

	// Registry resolves tool policies and agent rules. It is safe for
	// concurrent use and supports wholesale replacement on config reload.
	Registry struct {
		mu       sync.RWMutex
		declared Declarations
		agents   map[fabric.AgentID]AgentRules
	}
)

// NewRegistry builds a registry from the initial declarations. Both arguments
// may be nil.
func NewRegistry(declared Declarations, agents map[fabric.AgentID]AgentRules) *Registry {
	r := &Registry{}
	r.Replace(declared, agents)
	return r
}

// Replace swaps the full declaration set. Used by configuration hot reload;
// in-flight resolutions observe either the old or the new set, never a mix.
func (r *Registry) Replace(declared Declarations, agents map[fabric.AgentID]AgentRules) {
	cd := make(Declarations, len(declared))
	for tool, p := range declared {
		cd[tool] = p
	}
	ca := make(map[fabric.AgentID]AgentRules, len(agents))
	for id, rules := range agents {
		ov := make(Declarations, len(rules.Overrides))
		for tool, p := range rules.Overrides {
			ov[tool] = p
		}
		ca[id] = AgentRules{DisallowSupersede: rules.DisallowSupersede, Overrides: ov}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.declared = cd
	r.agents = ca
}

// Resolve returns the policy for tool as seen by agent. The second return
// reports whether the tool was declared; undeclared tools resolve to
// PolicyIrreversible.
func (r *Registry) Resolve(agent fabric.AgentID, tool string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rules, ok := r.agents[agent]; ok {
		if p, ok := rules.Overrides[tool]; ok {
			return p, true
		}
	}
	if p, ok := r.declared[tool]; ok {
		return p, true
	}
	return PolicyIrreversible, false
}

// AllowSupersede reports whether in-flight turns of agent may be superseded.
func (r *Registry) AllowSupersede(agent fabric.AgentID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, ok := r.agents[agent]
	return !ok || !rules.DisallowSupersede
}
