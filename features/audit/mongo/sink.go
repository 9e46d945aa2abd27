package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/acf/features/audit/mongo/clients/mongo"
	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/audit"
)

// Sink implements audit.Sink by delegating to the Mongo client.
type Sink struct {
	client clientsmongo.Client
}

var _ audit.Sink = (*Sink)(nil)

// NewSink builds a Mongo-backed audit sink using the provided client.
func NewSink(client clientsmongo.Client) (*Sink, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Sink{client: client}, nil
}

// Append implements audit.Sink.
func (s *Sink) Append(ctx context.Context, rec *audit.TurnRecord) error {
	return s.client.Append(ctx, rec)
}

// List implements audit.Sink.
func (s *Sink) List(ctx context.Context, key fabric.SessionKey, cursor string, limit int) (audit.Page, error) {
	return s.client.List(ctx, key, cursor, limit)
}
