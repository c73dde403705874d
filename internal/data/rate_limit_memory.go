package data

import (
	"context"
	"sync"
	"time"

	"MailGuard/internal/conf"
	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryStoreSize bounds the fallback store; the LRU evicts the
// least-recently-used bucket when a burst of distinct keys exceeds it.
const memoryStoreSize = 65536

// maxIdle is the hard ceiling on how long an untouched entry survives.
const maxIdle = 2 * time.Hour

type slidingSample struct {
	score  float64
	member string
}

// limiterEntry is the per-key state of one bucket. Exactly one of the
// three shapes is populated, matching the rule's algorithm.
type limiterEntry struct {
	samples  []slidingSample // sliding window
	tokens   float64         // token bucket
	tokensTS float64
	count    int64 // fixed window
	expireAt time.Time

	lastAccess time.Time
	idleTTL    time.Duration
}

// MemoryLimiterStore implements biz.LocalLimiterStore with a mutex
// around a bounded LRU of buckets. It is process-local: two replicas
// using the fallback count independently, an accepted limitation of
// degraded operation. A janitor prunes stale entries periodically.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *limiterEntry]
	logger  *log.Helper
	stop    chan struct{}
}

// NewMemoryLimiterStore creates the fallback store and starts its
// janitor. The returned cleanup stops the janitor.
func NewMemoryLimiterStore(c *conf.RateLimit, logger log.Logger) (*MemoryLimiterStore, func()) {
	cache, err := lru.New[string, *limiterEntry](memoryStoreSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}

	s := &MemoryLimiterStore{
		entries: cache,
		logger:  log.NewHelper(logger),
		stop:    make(chan struct{}),
	}

	interval := 5 * time.Minute
	if c != nil && c.CleanupInterval != nil && c.CleanupInterval.AsDuration() > 0 {
		interval = c.CleanupInterval.AsDuration()
	}
	go s.janitor(interval)

	return s, func() { close(s.stop) }
}

func (s *MemoryLimiterStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			removed := s.purge(time.Now())
			if removed > 0 {
				s.logger.Debugw("stale rate limit buckets purged", "count", removed)
			}
		}
	}
}

// purge drops entries idle past their TTL and expired fixed windows.
func (s *MemoryLimiterStore) purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		idle := e.idleTTL
		if idle <= 0 || idle > maxIdle {
			idle = maxIdle
		}
		expired := !e.expireAt.IsZero() && now.After(e.expireAt)
		if expired || now.Sub(e.lastAccess) > idle {
			s.entries.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *MemoryLimiterStore) entry(key string, now time.Time, idleTTL time.Duration) *limiterEntry {
	e, ok := s.entries.Get(key)
	if !ok {
		e = &limiterEntry{}
		s.entries.Add(key, e)
	}
	e.lastAccess = now
	e.idleTTL = idleTTL
	return e
}

// SlidingAdd mirrors the Redis pipeline: prune, record, count.
func (s *MemoryLimiterStore) SlidingAdd(_ context.Context, key, member string, now time.Time, window time.Duration) (model.SlidingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key, now, 2*window)
	nowScore := float64(now.UnixNano()) / 1e9
	cutoff := nowScore - window.Seconds()

	kept := e.samples[:0]
	for _, sample := range e.samples {
		if sample.score > cutoff {
			kept = append(kept, sample)
		}
	}
	e.samples = append(kept, slidingSample{score: nowScore, member: member})

	state := model.SlidingState{Count: int64(len(e.samples))}
	oldest := e.samples[0].score
	sec, frac := int64(oldest), oldest-float64(int64(oldest))
	state.Oldest = time.Unix(sec, int64(frac*1e9))
	return state, nil
}

// SlidingRemove drops the candidate entry of a denied request.
func (s *MemoryLimiterStore) SlidingRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Peek(key)
	if !ok {
		return nil
	}
	for i, sample := range e.samples {
		if sample.member == member {
			e.samples = append(e.samples[:i], e.samples[i+1:]...)
			break
		}
	}
	return nil
}

// BucketTake applies the same refill arithmetic as the Lua script.
func (s *MemoryLimiterStore) BucketTake(_ context.Context, key string, now time.Time, refillRate, capacity float64, ttl time.Duration) (model.BucketState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key, now, ttl)
	nowSec := float64(now.UnixNano()) / 1e9

	if e.tokensTS == 0 {
		e.tokens = capacity
		e.tokensTS = nowSec
	}
	if elapsed := nowSec - e.tokensTS; elapsed > 0 {
		e.tokens += elapsed * refillRate
		if e.tokens > capacity {
			e.tokens = capacity
		}
	}
	e.tokensTS = nowSec

	if e.tokens >= 1 {
		e.tokens--
		return model.BucketState{Allowed: true, Tokens: e.tokens}, nil
	}
	return model.BucketState{Allowed: false, Tokens: e.tokens}, nil
}

// WindowIncr increments the fixed-window counter, arming its expiry on
// the first increment.
func (s *MemoryLimiterStore) WindowIncr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.entry(key, now, ttl)
	if !e.expireAt.IsZero() && now.After(e.expireAt) {
		e.count = 0
		e.expireAt = time.Time{}
	}
	e.count++
	if e.count == 1 {
		e.expireAt = now.Add(ttl)
	}
	return e.count, nil
}
