// Package fabric provides the strong identifier types shared across the
// conversation fabric: tenants, agents, interlocutors, channels, sessions,
// turns and messages.
//
// # Identity Layers
//
// SessionKey (Conversation Layer):
//   - Composite "tenant:agent:interlocutor:channel" string
//   - The unit of single-writer discipline: locks, fencing tokens and
//     active-turn uniqueness are all keyed on it
//   - Lifespan: the whole relationship between one interlocutor and one agent
//     on one channel
//
// TurnID / TurnGroupID (Application Layer):
//   - TurnID identifies one LogicalTurn (a beat of coherent user intent)
//   - TurnGroupID ties the turns of a supersede chain together; at most one
//     turn per group ever commits
//   - Lifespan: seconds to minutes
//
// MessageID (Wire Layer):
//   - Channel-adapter supplied identifier for one inbound message
//   - Used for ordering inside a turn and for beat-scope deduplication
//
// Relationship example:
//
//	Session "acme:support:u42:whatsapp"
//	  └─ Group "g1"
//	     ├─ Turn "t1" (messages m1)        superseded by t2
//	     └─ Turn "t2" (messages m1, m2)    COMPLETE
//	  └─ Group "g2"
//	     └─ Turn "t3" (messages m3)        COMPLETE
package fabric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// keySeparator joins the four session key components. Component identifiers
// must not contain it; the gateway validates inbound envelopes accordingly.
const keySeparator = ":"

var (
	// ErrInvalidSessionKey indicates a session key that does not split into
	// exactly four non-empty components.
	ErrInvalidSessionKey = errors.New("invalid session key")

	// ErrInvalidIdent indicates an identifier that is empty or contains the
	// session key separator.
	ErrInvalidIdent = errors.New("invalid identifier")
)

type (
	// TenantID is the strong type for tenant identifiers. All store
	// operations are tenant-scoped.
	TenantID string

	// AgentID is the strong type for agent identifiers within a tenant.
	AgentID string

	// InterlocutorID is the strong type for the remote party of a
	// conversation (end user, phone number hash, account ID).
	InterlocutorID string

	// MessageID is the strong type for channel-adapter supplied message
	// identifiers.
	MessageID string

	// TurnID is the strong type for LogicalTurn identifiers.
	TurnID string

	// TurnGroupID is the strong type for supersede-chain group identifiers.
	TurnGroupID string

	// ChannelKind names an inbound/outbound channel family. The set is open;
	// the constants below are the kinds with built-in channel models.
	ChannelKind string

	// SessionKey is the composite "tenant:agent:interlocutor:channel" key.
	// It is the unit of single-writer discipline across the fabric.
	SessionKey string

	// Message is the normalized inbound message carried on a LogicalTurn.
	// Content rides along with the identifier so the cognitive engine can be
	// invoked from turn state alone.
	Message struct {
		// ID is the channel-adapter supplied message identifier.
		ID MessageID
		// Content is the normalized text payload.
		Content string
		// At is the adapter-observed receive time.
		At time.Time
		// Attrs carries optional adapter metadata (media refs, locale, ...).
		Attrs map[string]string
	}
)

// Channel kinds with built-in models. Deployments may register additional
// kinds through configuration.
const (
	ChannelWhatsApp ChannelKind = "whatsapp"
	ChannelWeb      ChannelKind = "web"
	ChannelSMS      ChannelKind = "sms"
	ChannelEmail    ChannelKind = "email"
	ChannelVoice    ChannelKind = "voice"
	ChannelTelegram ChannelKind = "telegram"
)

// NewSessionKey composes the session key from its four components. Each
// component must be non-empty and free of the separator character.
func NewSessionKey(tenant TenantID, agent AgentID, interlocutor InterlocutorID, channel ChannelKind) (SessionKey, error) {
	for _, part := range []string{string(tenant), string(agent), string(interlocutor), string(channel)} {
		if part == "" || strings.Contains(part, keySeparator) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdent, part)
		}
	}
	return SessionKey(strings.Join([]string{string(tenant), string(agent), string(interlocutor), string(channel)}, keySeparator)), nil
}

// Parse splits the key back into its components. It is the inverse of
// NewSessionKey and rejects keys that do not have exactly four non-empty
// parts.
func (k SessionKey) Parse() (TenantID, AgentID, InterlocutorID, ChannelKind, error) {
	parts := strings.Split(string(k), keySeparator)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidSessionKey, k)
	}
	for _, part := range parts {
		if part == "" {
			return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidSessionKey, k)
		}
	}
	return TenantID(parts[0]), AgentID(parts[1]), InterlocutorID(parts[2]), ChannelKind(parts[3]), nil
}

// Tenant returns the tenant component of the key. It returns the empty
// tenant for malformed keys; callers that need validation use Parse.
func (k SessionKey) Tenant() TenantID {
	t, _, _, _, err := k.Parse()
	if err != nil {
		return ""
	}
	return t
}

// Channel returns the channel component of the key, or the empty kind for
// malformed keys.
func (k SessionKey) Channel() ChannelKind {
	_, _, _, c, err := k.Parse()
	if err != nil {
		return ""
	}
	return c
}

// SortedMessageIDs returns the IDs of msgs sorted lexicographically. Beat
// deduplication keys hash this ordering so resubmissions match regardless of
// arrival interleaving.
func SortedMessageIDs(msgs []Message) []MessageID {
	ids := make([]MessageID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
