// Package channel describes the delivery characteristics of message
// channels: how long users typically take between rapid messages, whether
// the wire batches, and how much overflow traffic a session may produce
// before the gateway pushes back. Models are read-only lookups; deployments
// override them through configuration.
package channel

import (
	"sync"
	"time"

	"goa.design/acf/runtime/fabric"
)

// BatchingStyle names how a channel's wire protocol groups messages.
type BatchingStyle string

const (
	// BatchingNone delivers each message individually.
	BatchingNone BatchingStyle = "none"
	// BatchingWhatsApp batches server-side the way WhatsApp webhooks do.
	BatchingWhatsApp BatchingStyle = "whatsapp_style"
	// BatchingTelegram batches the way Telegram long-poll updates do.
	BatchingTelegram BatchingStyle = "telegram_style"
)

type (
	// OverflowPolicy bounds per-session arrivals: more than N messages
	// within window W triggers gateway backpressure.
	OverflowPolicy struct {
		// N is the arrival budget within the window.
		N int
		// W is the window the budget applies to.
		W time.Duration
	}

	// Model captures the per-channel constants the fabric consults.
	Model struct {
		// Kind identifies the channel family.
		Kind fabric.ChannelKind
		// DefaultTurnWindow is the base accumulation wait for the channel.
		DefaultTurnWindow time.Duration
		// TypingIndicator reports whether the channel can show progress.
		TypingIndicator bool
		// Batching names the wire batching style.
		Batching BatchingStyle
		// MaxMessageLength caps outbound segment length, 0 for unlimited.
		MaxMessageLength int
		// Markdown reports whether outbound text may carry markdown.
		Markdown bool
		// RichMedia reports whether the channel accepts media segments.
		RichMedia bool
		// Overflow is the backpressure budget for the channel.
		Overflow OverflowPolicy
	}

	// Set resolves channel models with configuration overrides layered over
	// the built-in defaults. Safe for concurrent use; Replace swaps the
	// override layer wholesale on config reload.
	Set struct {
		mu        sync.RWMutex
		overrides map[fabric.ChannelKind]Model
	}
)

// Defaults returns the built-in model table. WhatsApp and web windows follow
// the source deployments; the rest are conservative defaults.
func Defaults() map[fabric.ChannelKind]Model {
	return map[fabric.ChannelKind]Model{
		fabric.ChannelWhatsApp: {
			Kind:              fabric.ChannelWhatsApp,
			DefaultTurnWindow: 1200 * time.Millisecond,
			TypingIndicator:   true,
			Batching:          BatchingWhatsApp,
			MaxMessageLength:  4096,
			Markdown:          false,
			RichMedia:         true,
			Overflow:          OverflowPolicy{N: 10, W: time.Minute},
		},
		fabric.ChannelWeb: {
			Kind:              fabric.ChannelWeb,
			DefaultTurnWindow: 600 * time.Millisecond,
			TypingIndicator:   true,
			Batching:          BatchingNone,
			Markdown:          true,
			RichMedia:         true,
			Overflow:          OverflowPolicy{N: 20, W: 30 * time.Second},
		},
		fabric.ChannelSMS: {
			Kind:              fabric.ChannelSMS,
			DefaultTurnWindow: 800 * time.Millisecond,
			Batching:          BatchingNone,
			MaxMessageLength:  1600,
			Overflow:          OverflowPolicy{N: 5, W: time.Minute},
		},
		fabric.ChannelEmail: {
			Kind:     fabric.ChannelEmail,
			Batching: BatchingNone,
			Markdown: true,
			Overflow: OverflowPolicy{N: 3, W: 5 * time.Minute},
		},
		fabric.ChannelVoice: {
			Kind:     fabric.ChannelVoice,
			Batching: BatchingNone,
			Overflow: OverflowPolicy{N: 5, W: 10 * time.Second},
		},
		fabric.ChannelTelegram: {
			Kind:              fabric.ChannelTelegram,
			DefaultTurnWindow: 900 * time.Millisecond,
			TypingIndicator:   true,
			Batching:          BatchingTelegram,
			MaxMessageLength:  4096,
			Markdown:          true,
			RichMedia:         true,
			Overflow:          OverflowPolicy{N: 10, W: time.Minute},
		},
	}
}

// NewSet builds a Set with the given overrides layered over Defaults.
func NewSet(overrides map[fabric.ChannelKind]Model) *Set {
	s := &Set{}
	s.Replace(overrides)
	return s
}

// Replace swaps the override layer. Used by configuration hot reload.
func (s *Set) Replace(overrides map[fabric.ChannelKind]Model) {
	c := make(map[fabric.ChannelKind]Model, len(overrides))
	for k, m := range overrides {
		m.Kind = k
		c[k] = m
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = c
}

// Model resolves kind: override first, then built-in, then a zero-window
// fallback model so unknown channels respond immediately rather than fail.
func (s *Set) Model(kind fabric.ChannelKind) Model {
	s.mu.RLock()
	if m, ok := s.overrides[kind]; ok {
		s.mu.RUnlock()
		return m
	}
	s.mu.RUnlock()

	if m, ok := Defaults()[kind]; ok {
		return m
	}
	return Model{
		Kind:     kind,
		Batching: BatchingNone,
		Overflow: OverflowPolicy{N: 10, W: time.Minute},
	}
}
