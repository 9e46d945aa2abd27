// Package script provides a deterministic Brain for demo deployments and
// end-to-end tests. The pipeline runs a fixed list of phases over the turn's
// combined text: each phase produces a fingerprinted artifact, optionally
// executes a declared tool, and consults the interrupt probe before any
// phase whose tool is not PURE. Identical inputs always produce identical
// results, which makes the turn fabric's reuse and supersede machinery
// observable without a model in the loop.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/accumulate"
	"goa.design/acf/runtime/fabric/brain"
	"goa.design/acf/runtime/fabric/outbound"
	"goa.design/acf/runtime/fabric/toolpolicy"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// Phase is one deterministic pipeline stage.
	Phase struct {
		// Name labels the phase in artifact payloads.
		Name string
		// Tool, when set, executes at this phase and lands on the ledger
		// with its declared policy. Undeclared tools resolve IRREVERSIBLE.
		Tool string
	}

	// Options configures the scripted brain. The zero value runs the
	// default three-phase pipeline with no tools.
	Options struct {
		// Phases run in order. Defaults to understand/decide/respond.
		Phases []Phase
		// Policies resolves tool policies. Nil falls back to an empty
		// registry, so every tool resolves IRREVERSIBLE.
		Policies *toolpolicy.Registry
		// Flow maps the session's active step ID to the transition the
		// pipeline commits. The empty key matches sessions outside any
		// scenario.
		Flow map[string]brain.Transition
		// Variables derives session variable writes from the turn text.
		Variables func(req *brain.Request, text string) map[string]any
		// Reply drafts the response segments. Defaults to a single
		// deterministic acknowledgement segment.
		Reply func(req *brain.Request, text string) []string
		// Decide overrides the interrupt policy. Defaults to
		// brain.DefaultDecision over the script's progress.
		Decide func(in brain.DecisionInput) brain.SupersedeDecision
		// Hint is returned by SummarizeForFollowup and stamped on completed
		// results. Defaults to a 2s wait at 0.5 confidence.
		Hint *accumulate.Hint
		// Now injects the clock. Defaults to time.Now.
		Now func() time.Time
	}

	// Brain runs the scripted pipeline. Safe for concurrent use.
	Brain struct {
		phases    []Phase
		policies  *toolpolicy.Registry
		flow      map[string]brain.Transition
		variables func(req *brain.Request, text string) map[string]any
		reply     func(req *brain.Request, text string) []string
		decide    func(in brain.DecisionInput) brain.SupersedeDecision
		hint      accumulate.Hint
		now       func() time.Time
	}

	// phaseOutput is the artifact payload.
	phaseOutput struct {
		Phase string `json:"phase"`
		Input string `json:"input"`
	}
)

var _ brain.Brain = (*Brain)(nil)

// DefaultHint is the followup hint when Options.Hint is unset.
var DefaultHint = accumulate.Hint{SuggestedWait: 2 * time.Second, CompletionConfidence: 0.5}

// DefaultPhases is the pipeline when Options.Phases is unset.
func DefaultPhases() []Phase {
	return []Phase{{Name: "understand"}, {Name: "decide"}, {Name: "respond"}}
}

// New builds a scripted brain.
func New(opts Options) *Brain {
	phases := opts.Phases
	if len(phases) == 0 {
		phases = DefaultPhases()
	}
	policies := opts.Policies
	if policies == nil {
		policies = toolpolicy.NewRegistry(nil, nil)
	}
	reply := opts.Reply
	if reply == nil {
		reply = defaultReply
	}
	decide := opts.Decide
	if decide == nil {
		decide = brain.DefaultDecision
	}
	hint := DefaultHint
	if opts.Hint != nil {
		hint = *opts.Hint
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Brain{
		phases:    phases,
		policies:  policies,
		flow:      opts.Flow,
		variables: opts.Variables,
		reply:     reply,
		decide:    decide,
		hint:      hint,
		now:       now,
	}
}

// ProcessTurn implements brain.Brain.
func (b *Brain) ProcessTurn(ctx context.Context, req *brain.Request) (brain.TurnResult, error) {
	if req == nil || req.Turn == nil {
		return nil, errors.New("request turn is required")
	}
	if req.Probe == nil {
		return nil, errors.New("request probe is required")
	}

	text := combinedText(req.Turn.Messages)
	artifacts := make(map[int]turn.PhaseArtifact, len(b.phases))
	reusedPhases := make(map[int]bool)
	var effects []turn.SideEffect
	tokens := 0

	for i, phase := range b.phases {
		n := i + 1
		var (
			policy   toolpolicy.Policy
			declared bool
		)
		if phase.Tool != "" {
			policy, declared = b.policies.Resolve(req.Session.AgentID, phase.Tool)
		}

		// Probe only ahead of phases whose tool leaves a mark; pure phases
		// are free to redo, so interrupting them buys nothing.
		if phase.Tool != "" && policy != toolpolicy.PolicyPure {
			pending, err := req.Probe(ctx)
			if err != nil {
				return nil, fmt.Errorf("probe before phase %d: %w", n, err)
			}
			if len(pending) > 0 {
				return &brain.Interrupted{
					LastPhase: n - 1,
					Decision: b.decide(brain.DecisionInput{
						PhasesDone:        n - 1,
						PhasesTotal:       len(b.phases),
						SideEffects:       effects,
						KeepableArtifacts: len(artifacts) > 0,
						SameTopic:         sameTopic(text, pending[0].Content),
						DisallowSupersede: req.DisallowSupersede,
					}),
					InterruptMessageID: pending[0].ID,
					Artifacts:          artifacts,
					SideEffects:        effects,
					TokensUsed:         tokens,
				}, nil
			}
		}

		inputFP := fabric.Fingerprint(phase.Name, text)
		if prior, ok := req.ReusableArtifacts[n]; ok &&
			prior.InputFingerprint == inputFP &&
			prior.DependencyFingerprint == req.DependencyFingerprint {
			artifacts[n] = prior
			reusedPhases[n] = true
			continue
		}

		data, err := json.Marshal(phaseOutput{Phase: phase.Name, Input: text})
		if err != nil {
			return nil, fmt.Errorf("marshal phase %d artifact: %w", n, err)
		}
		artifacts[n] = turn.PhaseArtifact{
			Phase:                 n,
			Data:                  data,
			InputFingerprint:      inputFP,
			DependencyFingerprint: req.DependencyFingerprint,
			CreatedAt:             b.now().UTC(),
		}
		tokens += len(text)/4 + 8

		if phase.Tool != "" {
			effects = append(effects, turn.SideEffect{
				Tool:       phase.Tool,
				Policy:     policy,
				Declared:   declared,
				ExecutedAt: b.now().UTC(),
				Phase:      n,
			})
		}
	}

	hint := b.hint
	completed := &brain.Completed{
		Response:     outbound.Draft{Segments: b.reply(req, text)},
		SideEffects:  effects,
		Artifacts:    artifacts,
		ReusedPhases: reusedPhases,
		NextTurnHint: &hint,
		TokensUsed:   tokens,
	}
	if tr, ok := b.flow[req.Session.ActiveStepID]; ok {
		step := tr
		completed.Transition = &step
	}
	if b.variables != nil {
		completed.VariableUpdates = b.variables(req, text)
	}
	return completed, nil
}

// SummarizeForFollowup implements brain.Brain.
func (b *Brain) SummarizeForFollowup(context.Context, *brain.Request) (*accumulate.Hint, error) {
	hint := b.hint
	return &hint, nil
}

func combinedText(msgs []fabric.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func defaultReply(req *brain.Request, text string) []string {
	first := text
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if len(first) > 120 {
		first = first[:120]
	}
	return []string{fmt.Sprintf("[%s] %s", req.Session.AgentID, first)}
}

// sameTopic is a deterministic stand-in for intent similarity: the pending
// message continues the topic when it shares a word of four or more runes
// with the turn text.
func sameTopic(text, pending string) bool {
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len([]rune(w)) >= 4 {
			seen[w] = true
		}
	}
	for _, w := range strings.Fields(strings.ToLower(pending)) {
		if len([]rune(w)) >= 4 && seen[w] {
			return true
		}
	}
	return false
}
