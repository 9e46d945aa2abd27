package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/acf/features/session/mongo/clients/mongo"
	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/session"
)

// Store implements session.Tier by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Tier = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Get loads a session by key.
func (s *Store) Get(ctx context.Context, key fabric.SessionKey) (*session.Session, error) {
	return s.client.LoadSession(ctx, key)
}

// Save upserts the session under its fencing token.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	return s.client.SaveSession(ctx, sess)
}

// Delete removes the session. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key fabric.SessionKey) error {
	return s.client.DeleteSession(ctx, key)
}

// ListByAgent returns the tenant's sessions served by the agent.
func (s *Store) ListByAgent(ctx context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*session.Session, error) {
	return s.client.ListByAgent(ctx, tenant, agent)
}

// ListByInterlocutor returns the tenant's sessions for one interlocutor.
func (s *Store) ListByInterlocutor(ctx context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*session.Session, error) {
	return s.client.ListByInterlocutor(ctx, tenant, interlocutor)
}

// FindByChannelIdentity resolves the session bound to a raw channel address.
func (s *Store) FindByChannelIdentity(ctx context.Context, channel fabric.ChannelKind, userChannelID string) (*session.Session, error) {
	return s.client.FindByChannelIdentity(ctx, channel, userChannelID)
}

// FindByStepHash returns the tenant's sessions parked on the step digest.
func (s *Store) FindByStepHash(ctx context.Context, tenant fabric.TenantID, stepHash string) ([]*session.Session, error) {
	return s.client.FindByStepHash(ctx, tenant, stepHash)
}
