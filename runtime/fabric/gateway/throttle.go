package gateway

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/acf/runtime/fabric"
	"goa.design/acf/runtime/fabric/channel"
	"goa.design/pulse/rmap"
)

const (
	// sweepEvery is how often Allow scans for idle session buckets.
	sweepEvery = time.Minute
	// sweepIdle is how long a bucket may sit untouched before eviction.
	sweepIdle = 10 * time.Minute

	// clusterAttempts bounds the test-and-set loop on the shared counter.
	clusterAttempts = 3
)

type (
	// Throttle enforces the channel's overflow budget per session: more than
	// N arrivals within window W triggers backpressure. Each session gets a
	// token bucket sized to its channel policy; buckets are rebuilt when the
	// policy changes under configuration reload and evicted after idling.
	//
	// With a cluster map the budget is also counted across processes, so a
	// session spraying messages at several gateway replicas still lands on
	// one shared ceiling. The throttle fails open on every coordination
	// error: backpressure protects capacity, it is not a correctness gate.
	Throttle struct {
		mu       sync.Mutex
		sessions map[fabric.SessionKey]*sessionBucket
		swept    time.Time

		cluster clusterMap
		clock   func() time.Time
	}

	// ThrottleOption configures a Throttle.
	ThrottleOption func(*Throttle)

	sessionBucket struct {
		limiter  *rate.Limiter
		policy   channel.OverflowPolicy
		lastSeen time.Time
	}

	// clusterMap is the subset of rmap.Map the cluster-wide counter uses.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// WithClusterMap coordinates arrival budgets across gateway replicas through
// a Pulse replicated map. Without one the throttle is process-local.
func WithClusterMap(m *rmap.Map) ThrottleOption {
	return func(t *Throttle) {
		if m != nil {
			t.cluster = &rmapClusterMap{m: m}
		}
	}
}

// WithThrottleClock overrides the wall clock. Tests inject it.
func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(t *Throttle) { t.clock = now }
}

// NewThrottle builds a throttle ready for concurrent use.
func NewThrottle(opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		sessions: make(map[fabric.SessionKey]*sessionBucket),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allow reports whether the session may spend one arrival against the
// policy's budget. A zero policy admits everything.
func (t *Throttle) Allow(ctx context.Context, key fabric.SessionKey, policy channel.OverflowPolicy) bool {
	if policy.N <= 0 || policy.W <= 0 {
		return true
	}
	if !t.allowLocal(key, policy) {
		return false
	}
	return t.allowCluster(ctx, key, policy)
}

func (t *Throttle) allowLocal(key fabric.SessionKey, policy channel.OverflowPolicy) bool {
	now := t.clock()
	t.mu.Lock()
	b, ok := t.sessions[key]
	if !ok || b.policy != policy {
		b = &sessionBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(policy.N)/policy.W.Seconds()), policy.N),
			policy:  policy,
		}
		t.sessions[key] = b
	}
	b.lastSeen = now
	t.sweepLocked(now)
	t.mu.Unlock()
	// rate.Limiter carries its own lock, so spending the token outside ours
	// keeps contended sessions from serializing the whole gateway.
	return b.limiter.AllowN(now, 1)
}

func (t *Throttle) sweepLocked(now time.Time) {
	if now.Sub(t.swept) < sweepEvery {
		return
	}
	t.swept = now
	for key, b := range t.sessions {
		if now.Sub(b.lastSeen) > sweepIdle {
			delete(t.sessions, key)
		}
	}
}

// allowCluster spends one arrival against the shared per-session counter:
// "window:count" keyed by session, reset when the window rolls. Lost
// test-and-set races retry a few times, then admit; only an up-to-date count
// at or over budget denies.
func (t *Throttle) allowCluster(ctx context.Context, key fabric.SessionKey, policy channel.OverflowPolicy) bool {
	if t.cluster == nil {
		return true
	}
	window := t.clock().Truncate(policy.W).Unix()
	ck := "acf:throttle:" + string(key)

	for i := 0; i < clusterAttempts; i++ {
		cur, ok := t.cluster.Get(ck)
		if !ok {
			set, err := t.cluster.SetIfNotExists(ctx, ck, clusterValue(window, 1))
			if err != nil || set {
				return true
			}
			continue
		}
		w, n := parseClusterValue(cur)
		if w != window {
			prev, err := t.cluster.TestAndSet(ctx, ck, cur, clusterValue(window, 1))
			if err != nil || prev == cur {
				return true
			}
			continue
		}
		if n >= policy.N {
			return false
		}
		prev, err := t.cluster.TestAndSet(ctx, ck, cur, clusterValue(window, n+1))
		if err != nil || prev == cur {
			return true
		}
	}
	return true
}

func clusterValue(window int64, count int) string {
	return strconv.FormatInt(window, 10) + ":" + strconv.Itoa(count)
}

func parseClusterValue(s string) (int64, int) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, 0
	}
	w, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, 0
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return w, 0
	}
	return w, n
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}
