// Package accumulate computes how long a turn should keep waiting for
// follow-up messages before the fabric promotes it to PROCESSING. The
// suggestion blends the channel's default window, the shape of the latest
// message, the interlocutor's observed cadence and the cognitive engine's
// hint from the previous turn.
//
// Suggest is pure and never blocks: identical inputs always produce the
// identical wait. Turn workflows rely on that determinism during replay.
package accumulate

import (
	"strings"
	"time"

	"goa.design/acf/runtime/fabric/channel"
)

// Clamp defaults applied when a bound is zero.
const (
	DefaultMinWait = 200 * time.Millisecond
	DefaultMaxWait = 10 * time.Second
)

// Shape nudges added to the channel default.
const (
	// GreetingNudge extends the window after a greeting-only message; a
	// real question usually follows.
	GreetingNudge = 500 * time.Millisecond
	// FragmentNudge extends the window after a trailing-comma, ellipsis or
	// very short fragment; the user is mid-thought.
	FragmentNudge = 300 * time.Millisecond
)

type (
	// Hint is the cognitive engine's forward guidance emitted at commit:
	// how long the next turn should accumulate and how confident the engine
	// is that the committed message set was complete.
	Hint struct {
		// SuggestedWait is the engine's estimate for the next window.
		SuggestedWait time.Duration
		// CompletionConfidence is the engine's confidence in [0,1] that the
		// turn it just finished captured the full intent.
		CompletionConfidence float64
	}

	// Clamp bounds suggestions. Zero fields take the package defaults.
	Clamp struct {
		Min time.Duration
		Max time.Duration
	}

	// Input carries everything Suggest consumes.
	Input struct {
		// Content is the latest message's normalized text.
		Content string
		// Channel is the model of the channel the message arrived on.
		Channel channel.Model
		// CadenceP95 is the interlocutor's observed p95 inter-message gap
		// for this session. Zero means unknown.
		CadenceP95 time.Duration
		// Hint is the previous turn's pipeline hint, if any. When present
		// it replaces the shape-nudged base (cadence still averages in).
		Hint *Hint
		// Clamp bounds the result.
		Clamp Clamp
	}
)

// Suggest returns the accumulation wait for the given input: the deadline
// extension from "now" the workflow applies before promoting the turn.
func Suggest(in Input) time.Duration {
	base := in.Channel.DefaultTurnWindow + ShapeNudge(in.Content)
	if in.Hint != nil {
		base = in.Hint.SuggestedWait
	}
	if in.CadenceP95 > 0 {
		base = (base + in.CadenceP95) / 2
	}
	return in.Clamp.Apply(base)
}

// Apply bounds d to [Min, Max], substituting package defaults for zero
// bounds.
func (c Clamp) Apply(d time.Duration) time.Duration {
	lo, hi := c.Min, c.Max
	if lo <= 0 {
		lo = DefaultMinWait
	}
	if hi <= 0 {
		hi = DefaultMaxWait
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// ShapeNudge returns the wait extension the message's shape earns: greeting
// lexicon hits get GreetingNudge, fragments get FragmentNudge, everything
// else zero.
func ShapeNudge(content string) time.Duration {
	if isGreeting(content) {
		return GreetingNudge
	}
	if isFragment(content) {
		return FragmentNudge
	}
	return 0
}

// greetings is the lowercase lexicon of greeting-only messages.
var greetings = map[string]struct{}{
	"hi":             {},
	"hello":          {},
	"hey":            {},
	"yo":             {},
	"hola":           {},
	"good morning":   {},
	"good afternoon": {},
	"good evening":   {},
}

func isGreeting(content string) bool {
	normalized := strings.ToLower(strings.TrimSpace(content))
	normalized = strings.TrimRight(normalized, "!.?, ")
	_, ok := greetings[normalized]
	return ok
}

func isFragment(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return true
	}
	if strings.HasSuffix(trimmed, ",") || strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
		return true
	}
	return len(strings.Fields(trimmed)) < 3
}
