// Package redis implements turn.Store on Redis.
//
// Each turn is a hash at `acf:turn:{id}`: the JSON envelope plus the fields
// the Lua scripts branch on without decoding it (status, fencing token,
// absorbability). The session's active-turn slot is a pointer key
// (`acf:turn:active:{sessionKey}`) claimed inside the create script and
// cleared atomically by terminal saves, so one-active-turn-per-session holds
// across process crashes. Pending interrupts live in a side list the gateway
// appends to under a status CAS; reads recompose them into the envelope.
//
// Turns expire after a retention window. Audit is the long-term record, so
// losing an expired turn only costs artifact reuse.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/config"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/turn"
)

type (
	// Options configures the Redis turn store.
	Options struct {
		// Redis is the connection turns are stored on. Required.
		Redis *redis.Client
		// Retention bounds turn and overflow lifetime. Zero uses
		// config.DefaultTurnRetention.
		Retention time.Duration
	}

	// Store is the Redis-backed turn store.
	Store struct {
		rdb       *redis.Client
		retention time.Duration
	}
)

const (
	statusOK       = 1
	statusFenced   = -1
	statusMissing  = -2
	statusConflict = -3
)

// createScript claims the session's active slot and stores the turn. A live
// non-terminal holder rejects the create; a stale pointer left by a crash or
// expiry is overwritten.
var createScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local status = redis.call("HGET", "acf:turn:" .. cur, "status")
	if status and status ~= "COMPLETE" and status ~= "SUPERSEDED" then
		return -3
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[5])
redis.call("HSET", KEYS[2], "data", ARGV[2], "token", ARGV[3], "status", ARGV[4], "canabsorb", ARGV[6])
redis.call("PEXPIRE", KEYS[2], ARGV[5])
return 1
`)

// saveScript rewrites the turn under a fencing comparison. Terminal statuses
// release the active slot when this turn still holds it. ARGV[8..] carries
// the pending interrupt list, rewritten wholesale.
var saveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -2
end
local old = redis.call("HGET", KEYS[1], "token")
if old and tonumber(old) > tonumber(ARGV[1]) then
	return -1
end
redis.call("HSET", KEYS[1], "data", ARGV[2], "token", ARGV[1], "status", ARGV[3], "canabsorb", ARGV[4])
redis.call("DEL", KEYS[2])
for i = 8, #ARGV do
	redis.call("RPUSH", KEYS[2], ARGV[i])
end
redis.call("PEXPIRE", KEYS[1], ARGV[7])
if redis.call("EXISTS", KEYS[2]) == 1 then
	redis.call("PEXPIRE", KEYS[2], ARGV[7])
end
if ARGV[5] == "1" and redis.call("GET", KEYS[3]) == ARGV[6] then
	redis.call("DEL", KEYS[3])
end
return 1
`)

// supersedeScript terminates the old turn and installs the successor as the
// active turn in one step. The swap is refused when the old turn no longer
// holds the slot or its token regressed.
var supersedeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return -3
end
local oldtok = redis.call("HGET", KEYS[2], "token")
if oldtok and tonumber(oldtok) > tonumber(ARGV[2]) then
	return -1
end
redis.call("HSET", KEYS[2], "data", ARGV[3], "token", ARGV[2], "status", ARGV[4], "canabsorb", "0")
redis.call("DEL", KEYS[3])
redis.call("PEXPIRE", KEYS[2], ARGV[9])
redis.call("HSET", KEYS[4], "data", ARGV[7], "token", ARGV[6], "status", ARGV[8], "canabsorb", "1")
redis.call("DEL", KEYS[5])
for i = 10, #ARGV do
	redis.call("RPUSH", KEYS[5], ARGV[i])
end
redis.call("PEXPIRE", KEYS[4], ARGV[9])
if redis.call("EXISTS", KEYS[5]) == 1 then
	redis.call("PEXPIRE", KEYS[5], ARGV[9])
end
redis.call("SET", KEYS[1], ARGV[5], "PX", ARGV[9])
return 1
`)

// appendInterruptScript appends one message to the pending list iff the turn
// still matches the expected status and can absorb.
var appendInterruptScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -2
end
local status = redis.call("HGET", KEYS[1], "status")
local absorb = redis.call("HGET", KEYS[1], "canabsorb")
if status ~= ARGV[1] or absorb ~= "1" then
	return -3
end
redis.call("RPUSH", KEYS[2], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return redis.call("LLEN", KEYS[2])
`)

// parkScript pushes one message onto the bounded overflow queue.
var parkScript = redis.NewScript(`
local depth = redis.call("LLEN", KEYS[1])
if tonumber(ARGV[1]) > 0 and depth >= tonumber(ARGV[1]) then
	return -1
end
redis.call("LPUSH", KEYS[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return depth + 1
`)

// New returns a Store backed by the provided Redis connection.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = config.DefaultTurnRetention
	}
	return &Store{rdb: opts.Redis, retention: retention}, nil
}

func turnKey(id fabric.TurnID) string {
	return "acf:turn:" + string(id)
}

func pendingKey(id fabric.TurnID) string {
	return "acf:turn:pending:" + string(id)
}

func activeKey(key fabric.SessionKey) string {
	return "acf:turn:active:" + string(key)
}

func overflowKey(key fabric.SessionKey) string {
	return "acf:turn:overflow:" + string(key)
}

// encode serializes the turn envelope. Pending interrupts travel in their own
// list so the gateway can append without rewriting the document; the envelope
// keeps them zeroed.
func encode(t *turn.LogicalTurn) ([]byte, error) {
	flat := t.Clone()
	flat.PendingInterrupts = nil
	data, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("encode turn %s: %w", t.ID, err)
	}
	return data, nil
}

func canAbsorbArg(t *turn.LogicalTurn) string {
	if t.CanAbsorbMessage() {
		return "1"
	}
	return "0"
}

// Create implements turn.Store.
func (s *Store) Create(ctx context.Context, t *turn.LogicalTurn) error {
	if t == nil || t.ID == "" {
		return errors.New("turn id is required")
	}
	if t.SessionKey == "" {
		return errors.New("session key is required")
	}
	if t.Status != turn.StatusAccumulating {
		return errors.New("new turns must be ACCUMULATING")
	}
	data, err := encode(t)
	if err != nil {
		return err
	}
	res, err := createScript.Run(ctx, s.rdb,
		[]string{activeKey(t.SessionKey), turnKey(t.ID)},
		string(t.ID),
		data,
		uint64(t.FencingToken),
		string(t.Status),
		s.retention.Milliseconds(),
		canAbsorbArg(t),
	).Int64()
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	if res == statusConflict {
		return turn.ErrActiveTurnExists
	}
	return nil
}

// Save implements turn.Store.
func (s *Store) Save(ctx context.Context, t *turn.LogicalTurn) error {
	if t == nil || t.ID == "" {
		return errors.New("turn id is required")
	}
	data, err := encode(t)
	if err != nil {
		return err
	}
	terminal := "0"
	if t.Status.Terminal() {
		terminal = "1"
	}
	args := []any{
		uint64(t.FencingToken),
		data,
		string(t.Status),
		canAbsorbArg(t),
		terminal,
		string(t.ID),
		s.retention.Milliseconds(),
	}
	for _, msg := range t.PendingInterrupts {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode pending interrupt: %w", err)
		}
		args = append(args, raw)
	}
	res, err := saveScript.Run(ctx, s.rdb,
		[]string{turnKey(t.ID), pendingKey(t.ID), activeKey(t.SessionKey)},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	switch res {
	case statusMissing:
		return turn.ErrNotFound
	case statusFenced:
		return lock.ErrFencingViolation
	}
	return nil
}

// Supersede implements turn.Store.
func (s *Store) Supersede(ctx context.Context, old, successor *turn.LogicalTurn) error {
	if old == nil || successor == nil {
		return errors.New("old and successor turns are required")
	}
	if !old.Status.Terminal() {
		return errors.New("superseded turn must carry a terminal status")
	}
	if successor.Status != turn.StatusAccumulating {
		return errors.New("successor must be ACCUMULATING")
	}
	oldData, err := encode(old)
	if err != nil {
		return err
	}
	succData, err := encode(successor)
	if err != nil {
		return err
	}
	args := []any{
		string(old.ID),
		uint64(old.FencingToken),
		oldData,
		string(old.Status),
		string(successor.ID),
		uint64(successor.FencingToken),
		succData,
		string(successor.Status),
		s.retention.Milliseconds(),
	}
	for _, msg := range successor.PendingInterrupts {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode pending interrupt: %w", err)
		}
		args = append(args, raw)
	}
	res, err := supersedeScript.Run(ctx, s.rdb,
		[]string{
			activeKey(old.SessionKey),
			turnKey(old.ID), pendingKey(old.ID),
			turnKey(successor.ID), pendingKey(successor.ID),
		},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("supersede turn: %w", err)
	}
	switch res {
	case statusConflict:
		return turn.ErrTurnConflict
	case statusFenced:
		return lock.ErrFencingViolation
	}
	return nil
}

// Get implements turn.Store.
func (s *Store) Get(ctx context.Context, id fabric.TurnID) (*turn.LogicalTurn, error) {
	pipe := s.rdb.Pipeline()
	dataCmd := pipe.HGet(ctx, turnKey(id), "data")
	pendingCmd := pipe.LRange(ctx, pendingKey(id), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load turn: %w", err)
	}
	data, err := dataCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, turn.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load turn: %w", err)
	}
	var t turn.LogicalTurn
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode turn %s: %w", id, err)
	}
	for _, raw := range pendingCmd.Val() {
		var msg fabric.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode pending interrupt: %w", err)
		}
		t.PendingInterrupts = append(t.PendingInterrupts, msg)
	}
	return &t, nil
}

// ActiveTurn implements turn.Store.
func (s *Store) ActiveTurn(ctx context.Context, key fabric.SessionKey) (*turn.LogicalTurn, error) {
	id, err := s.rdb.Get(ctx, activeKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, turn.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load active turn pointer: %w", err)
	}
	t, err := s.Get(ctx, fabric.TurnID(id))
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, turn.ErrNotFound
	}
	return t, nil
}

// AppendPendingInterrupt implements turn.Store.
func (s *Store) AppendPendingInterrupt(ctx context.Context, id fabric.TurnID, msg fabric.Message, expect turn.Status) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode pending interrupt: %w", err)
	}
	res, err := appendInterruptScript.Run(ctx, s.rdb,
		[]string{turnKey(id), pendingKey(id)},
		string(expect),
		raw,
		s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("append pending interrupt: %w", err)
	}
	switch res {
	case statusMissing:
		return turn.ErrNotFound
	case statusConflict:
		return turn.ErrTurnConflict
	}
	return nil
}

// ParkOverflow implements turn.Store.
func (s *Store) ParkOverflow(ctx context.Context, key fabric.SessionKey, msg fabric.Message, limit int) (int, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode overflow message: %w", err)
	}
	res, err := parkScript.Run(ctx, s.rdb,
		[]string{overflowKey(key)},
		limit,
		raw,
		s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("park overflow message: %w", err)
	}
	if res < 0 {
		depth, derr := s.rdb.LLen(ctx, overflowKey(key)).Result()
		if derr != nil {
			depth = int64(limit)
		}
		return int(depth), turn.ErrQueueFull
	}
	return int(res), nil
}

// DrainOverflow implements turn.Store.
func (s *Store) DrainOverflow(ctx context.Context, key fabric.SessionKey, max int) ([]fabric.Message, error) {
	n, err := s.rdb.LLen(ctx, overflowKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("measure overflow queue: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if max > 0 && int64(max) < n {
		n = int64(max)
	}
	raws, err := s.rdb.RPopCount(ctx, overflowKey(key), int(n)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("drain overflow queue: %w", err)
	}
	out := make([]fabric.Message, 0, len(raws))
	for _, raw := range raws {
		var msg fabric.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode overflow message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}
