// Package redis implements the hot session tier on Redis.
//
// Each session lives in a hash at `acf:session:{key}` holding the JSON
// envelope plus the last accepted fencing token and the two mutable index
// inputs (step hash, channel identity). Writes run a compare-token-then-set
// Lua script so a reaped lock holder cannot clobber the replacement's state.
// Secondary lookups go through index keys (`acf:idx:agent:{tenant}:{agent}`
// and friends) maintained idempotently alongside writes and healed lazily on
// read, so a crash between document and index writes never corrupts reads.
//
// The envelope format is private to this tier; the persistent tier defines
// its own schema.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/lock"
	"goa.design/acf/runtime/fabric/session"
)

type (
	// Options configures the Redis tier.
	Options struct {
		// Redis is the connection sessions are stored on. Required.
		Redis *redis.Client
		// TTL bounds entry lifetime. Zero uses DefaultTTL. The persistent
		// tier re-seeds the hot tier on miss, so expiry only costs a read.
		TTL time.Duration
	}

	// Tier is the Redis-backed hot session tier.
	Tier struct {
		rdb *redis.Client
		ttl time.Duration
	}
)

// DefaultTTL keeps hot sessions around well past typical conversation gaps.
const DefaultTTL = 30 * time.Minute

// saveScript stores the envelope unless the held token regressed. It returns
// the previous step hash and channel identity so the caller can retire stale
// index entries.
var saveScript = redis.NewScript(`
local old = redis.call("HGET", KEYS[1], "token")
if old and tonumber(old) > tonumber(ARGV[1]) then
	return {-1, "", ""}
end
local oldstep = redis.call("HGET", KEYS[1], "stephash") or ""
local oldchan = redis.call("HGET", KEYS[1], "chanid") or ""
redis.call("HSET", KEYS[1], "token", ARGV[1], "data", ARGV[2], "stephash", ARGV[4], "chanid", ARGV[5])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {1, oldstep, oldchan}
`)

// unbindScript removes a channel-identity mapping only while it still points
// at the session being unbound.
var unbindScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// New returns a Tier backed by the provided Redis connection.
func New(opts Options) (*Tier, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tier{rdb: opts.Redis, ttl: ttl}, nil
}

func docKey(key fabric.SessionKey) string {
	return "acf:session:" + string(key)
}

func agentIdx(tenant fabric.TenantID, agent fabric.AgentID) string {
	return "acf:idx:agent:" + string(tenant) + ":" + string(agent)
}

func interlocutorIdx(tenant fabric.TenantID, interlocutor fabric.InterlocutorID) string {
	return "acf:idx:interlocutor:" + string(tenant) + ":" + string(interlocutor)
}

func channelIdx(channel fabric.ChannelKind, userChannelID string) string {
	return "acf:idx:channel:" + string(channel) + ":" + userChannelID
}

func stepHashIdx(tenant fabric.TenantID, stepHash string) string {
	return "acf:idx:stephash:" + string(tenant) + ":" + stepHash
}

// Get implements session.Tier.
func (t *Tier) Get(ctx context.Context, key fabric.SessionKey) (*session.Session, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	data, err := t.rdb.HGet(ctx, docKey(key), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess session.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &sess, nil
}

// Save implements session.Tier.
func (t *Tier) Save(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.Key == "" {
		return errors.New("session key is required")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.Key, err)
	}
	stepHash := sess.StepHash()
	vals, err := saveScript.Run(ctx, t.rdb,
		[]string{docKey(sess.Key)},
		uint64(sess.FencingToken),
		data,
		t.ttl.Milliseconds(),
		stepHash,
		sess.UserChannelID,
	).Slice()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if len(vals) == 0 {
		return errors.New("unexpected save reply")
	}
	if status, _ := vals[0].(int64); status < 0 {
		return lock.ErrFencingViolation
	}
	var oldStep, oldChan string
	if len(vals) > 2 {
		oldStep, _ = vals[1].(string)
		oldChan, _ = vals[2].(string)
	}

	pipe := t.rdb.Pipeline()
	pipe.SAdd(ctx, agentIdx(sess.TenantID, sess.AgentID), string(sess.Key))
	pipe.SAdd(ctx, interlocutorIdx(sess.TenantID, sess.InterlocutorID), string(sess.Key))
	if stepHash != "" {
		pipe.SAdd(ctx, stepHashIdx(sess.TenantID, stepHash), string(sess.Key))
	}
	if oldStep != "" && oldStep != stepHash {
		pipe.SRem(ctx, stepHashIdx(sess.TenantID, oldStep), string(sess.Key))
	}
	if sess.UserChannelID != "" {
		pipe.Set(ctx, channelIdx(sess.Channel, sess.UserChannelID), string(sess.Key), t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	if oldChan != "" && oldChan != sess.UserChannelID {
		if err := unbindScript.Run(ctx, t.rdb,
			[]string{channelIdx(sess.Channel, oldChan)},
			string(sess.Key),
		).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("unbind channel identity: %w", err)
		}
	}
	return nil
}

// Delete implements session.Tier.
func (t *Tier) Delete(ctx context.Context, key fabric.SessionKey) error {
	if key == "" {
		return errors.New("session key is required")
	}
	tenant, agent, interlocutor, channel, err := key.Parse()
	if err != nil {
		return err
	}
	vals, err := t.rdb.HMGet(ctx, docKey(key), "stephash", "chanid").Result()
	if err != nil {
		return fmt.Errorf("load session indexes: %w", err)
	}
	var stepHash, chanID string
	if len(vals) == 2 {
		stepHash, _ = vals[0].(string)
		chanID, _ = vals[1].(string)
	}

	pipe := t.rdb.Pipeline()
	pipe.Del(ctx, docKey(key))
	pipe.SRem(ctx, agentIdx(tenant, agent), string(key))
	pipe.SRem(ctx, interlocutorIdx(tenant, interlocutor), string(key))
	if stepHash != "" {
		pipe.SRem(ctx, stepHashIdx(tenant, stepHash), string(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if chanID != "" {
		if err := unbindScript.Run(ctx, t.rdb,
			[]string{channelIdx(channel, chanID)},
			string(key),
		).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("unbind channel identity: %w", err)
		}
	}
	return nil
}

// ListByAgent implements session.Tier.
func (t *Tier) ListByAgent(ctx context.Context, tenant fabric.TenantID, agent fabric.AgentID) ([]*session.Session, error) {
	return t.collect(ctx, agentIdx(tenant, agent), nil)
}

// ListByInterlocutor implements session.Tier.
func (t *Tier) ListByInterlocutor(ctx context.Context, tenant fabric.TenantID, interlocutor fabric.InterlocutorID) ([]*session.Session, error) {
	return t.collect(ctx, interlocutorIdx(tenant, interlocutor), nil)
}

// FindByChannelIdentity implements session.Tier.
func (t *Tier) FindByChannelIdentity(ctx context.Context, channel fabric.ChannelKind, userChannelID string) (*session.Session, error) {
	if userChannelID == "" {
		return nil, errors.New("user channel id is required")
	}
	idx := channelIdx(channel, userChannelID)
	key, err := t.rdb.Get(ctx, idx).Result()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve channel identity: %w", err)
	}
	sess, err := t.Get(ctx, fabric.SessionKey(key))
	if errors.Is(err, session.ErrNotFound) {
		// The document expired out from under the mapping; retire it.
		_ = unbindScript.Run(ctx, t.rdb, []string{idx}, key).Err()
		return nil, session.ErrNotFound
	}
	return sess, err
}

// FindByStepHash implements session.Tier.
func (t *Tier) FindByStepHash(ctx context.Context, tenant fabric.TenantID, stepHash string) ([]*session.Session, error) {
	if stepHash == "" {
		return nil, errors.New("step hash is required")
	}
	return t.collect(ctx, stepHashIdx(tenant, stepHash), func(s *session.Session) bool {
		return s.StepHash() == stepHash
	})
}

// collect loads every live member of an index set, reaping entries whose
// document expired or whose indexed value moved on since the entry was made.
func (t *Tier) collect(ctx context.Context, idx string, keep func(*session.Session) bool) ([]*session.Session, error) {
	members, err := t.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("list index %s: %w", idx, err)
	}
	out := make([]*session.Session, 0, len(members))
	for _, member := range members {
		sess, err := t.Get(ctx, fabric.SessionKey(member))
		if errors.Is(err, session.ErrNotFound) || (err == nil && keep != nil && !keep(sess)) {
			_ = t.rdb.SRem(ctx, idx, member).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
