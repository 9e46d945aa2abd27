// Package redis implements idempotency.Store on Redis.
//
// A claim is `SET key <record> NX PX ttl` where the record carries the
// claimant's payload hash; Complete rewrites the record with the outcome
// under KEEPTTL so the dedup window never stretches. Records expire with
// their window and a later retry re-executes, which is the documented TTL
// semantics.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/acf/runtime/fabric/idempotency"
)

type (
	// Options configures the Redis store.
	Options struct {
		// Redis is the connection dedup records are stored on. Required.
		Redis *redis.Client
	}

	// Store is the Redis-backed idempotency store.
	Store struct {
		rdb *redis.Client
	}

	record struct {
		Hash  string `json:"hash"`
		Done  bool   `json:"done"`
		Value []byte `json:"value,omitempty"`
	}
)

// New returns a Store backed by the provided Redis connection.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{rdb: opts.Redis}, nil
}

// TryRecord implements idempotency.Store.
func (s *Store) TryRecord(ctx context.Context, key idempotency.Key, payloadHash string, ttl time.Duration) (idempotency.Result, error) {
	if key.ID == "" {
		return idempotency.Result{}, errors.New("idempotency key id is required")
	}
	if ttl <= 0 {
		ttl = key.Scope.DefaultTTL()
	}
	raw, err := json.Marshal(record{Hash: payloadHash})
	if err != nil {
		return idempotency.Result{}, fmt.Errorf("encode idempotency record: %w", err)
	}
	k := key.String()
	for {
		claimed, err := s.rdb.SetNX(ctx, k, raw, ttl).Result()
		if err != nil {
			return idempotency.Result{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return idempotency.Result{Fresh: true}, nil
		}
		cur, err := s.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// The record expired between the claim and the read; claim again.
			continue
		}
		if err != nil {
			return idempotency.Result{}, fmt.Errorf("read idempotency record: %w", err)
		}
		var existing record
		if err := json.Unmarshal([]byte(cur), &existing); err != nil {
			return idempotency.Result{}, fmt.Errorf("decode idempotency record: %w", err)
		}
		if existing.Hash != payloadHash {
			return idempotency.Result{}, idempotency.ErrPayloadMismatch
		}
		out := idempotency.Result{Done: existing.Done}
		if existing.Done {
			out.Value = append([]byte(nil), existing.Value...)
		}
		return out, nil
	}
}

// Complete implements idempotency.Store. Completing an expired claim is a
// no-op: XX refuses to recreate the key once the window closed.
func (s *Store) Complete(ctx context.Context, key idempotency.Key, value []byte) error {
	k := key.String()
	cur, err := s.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read idempotency record: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(cur), &rec); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}
	rec.Done = true
	rec.Value = append([]byte(nil), value...)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	err = s.rdb.SetArgs(ctx, k, raw, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}
