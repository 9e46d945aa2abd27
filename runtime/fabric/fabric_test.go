package fabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSessionKey(t *testing.T) {
	key, err := NewSessionKey("acme", "support", "u42", ChannelWhatsApp)
	require.NoError(t, err)
	require.Equal(t, SessionKey("acme:support:u42:whatsapp"), key)

	tenant, agent, interlocutor, channel, err := key.Parse()
	require.NoError(t, err)
	require.Equal(t, TenantID("acme"), tenant)
	require.Equal(t, AgentID("support"), agent)
	require.Equal(t, InterlocutorID("u42"), interlocutor)
	require.Equal(t, ChannelWhatsApp, channel)
}

func TestNewSessionKeyRejectsSeparator(t *testing.T) {
	_, err := NewSessionKey("ac:me", "support", "u42", ChannelWeb)
	require.ErrorIs(t, err, ErrInvalidIdent)

	_, err = NewSessionKey("acme", "", "u42", ChannelWeb)
	require.ErrorIs(t, err, ErrInvalidIdent)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "a:b:c", "a:b:c:d:e", "a::c:d"} {
		_, _, _, _, err := SessionKey(raw).Parse()
		require.ErrorIs(t, err, ErrInvalidSessionKey, "key %q", raw)
	}
}

func TestSessionKeyAccessors(t *testing.T) {
	key := SessionKey("acme:support:u42:web")
	require.Equal(t, TenantID("acme"), key.Tenant())
	require.Equal(t, ChannelWeb, key.Channel())

	bad := SessionKey("not-a-key")
	require.Equal(t, TenantID(""), bad.Tenant())
	require.Equal(t, ChannelKind(""), bad.Channel())
}

func TestSortedMessageIDs(t *testing.T) {
	now := time.Now()
	msgs := []Message{
		{ID: "m3", At: now},
		{ID: "m1", At: now},
		{ID: "m2", At: now},
	}
	require.Equal(t, []MessageID{"m1", "m2", "m3"}, SortedMessageIDs(msgs))
	// Input order is untouched.
	require.Equal(t, MessageID("m3"), msgs[0].ID)
}
