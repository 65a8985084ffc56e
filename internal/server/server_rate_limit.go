package server

import (
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const registrationLimiterShards = 16

// registrationLimiter throttles machine registrations per client IP so that
// installation keys cannot be guessed at line rate. Each client owns a token
// bucket refilled at rate tokens per second up to burst; buckets are spread
// over FNV-hashed shards with one mutex each.
type registrationLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	shards [registrationLimiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// newRegistrationLimiter returns a limiter; rate <= 0 disables it.
func newRegistrationLimiter(rate float64, burst int) *registrationLimiter {
	l := &registrationLimiter{rate: rate, burst: float64(max(burst, 1)), now: time.Now}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

func (l *registrationLimiter) enabled() bool {
	return l.rate > 0
}

func (l *registrationLimiter) shardFor(clientIP string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientIP))
	return &l.shards[h.Sum32()%registrationLimiterShards]
}

// allow spends one token of clientIP's bucket. When the bucket is empty it
// reports how long until the next token.
func (l *registrationLimiter) allow(clientIP string) (bool, time.Duration) {
	if !l.enabled() {
		return true, 0
	}
	s := l.shardFor(clientIP)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	b, ok := s.buckets[clientIP]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		s.buckets[clientIP] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
		return false, wait
	}
	b.tokens--
	return true, 0
}

// refillTime is how long an untouched bucket takes to fill up again. A full
// bucket behaves exactly like a missing one.
func (l *registrationLimiter) refillTime() time.Duration {
	return time.Duration(l.burst / l.rate * float64(time.Second))
}

// cleanup forgets buckets that have refilled completely. The janitor calls
// it so allow never walks the maps.
func (l *registrationLimiter) cleanup() {
	if !l.enabled() {
		return
	}
	now := l.now()
	full := l.refillTime()
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for ip, b := range s.buckets {
			if now.Sub(b.last) >= full {
				delete(s.buckets, ip)
			}
		}
		s.mu.Unlock()
	}
}

// retryAfterSeconds renders wait for a Retry-After header.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}
