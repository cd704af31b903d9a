package cache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// DefaultTrackerCapacity bounds the number of tracked cache keys.
const DefaultTrackerCapacity = 1000

// Status is the outcome of a Tracker lookup.
type Status int

const (
	StatusMiss Status = iota
	StatusHit
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusStale:
		return "stale"
	default:
		return "miss"
	}
}

// CheckResult reports what the Tracker knows about a key.
type CheckResult struct {
	Status Status
	// Tokens is the size of the tracked content on a hit.
	Tokens int
	Age    time.Duration
}

// Metrics accumulates cache accounting. Provider counters hold what the
// provider reported, the rest is what the Tracker inferred.
type Metrics struct {
	Hits                  uint64
	Misses                uint64
	Writes                uint64
	CachedTokens          uint64
	UncachedTokens        uint64
	EstimatedSavings      uint64
	ProviderCacheCreation uint64
	ProviderCacheRead     uint64
}

func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

func (m *Metrics) Merge(other Metrics) {
	m.Hits += other.Hits
	m.Misses += other.Misses
	m.Writes += other.Writes
	m.CachedTokens += other.CachedTokens
	m.UncachedTokens += other.UncachedTokens
	m.EstimatedSavings += other.EstimatedSavings
	m.ProviderCacheCreation += other.ProviderCacheCreation
	m.ProviderCacheRead += other.ProviderCacheRead
}

func (m Metrics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cache hits:          %d\n", m.Hits)
	fmt.Fprintf(&b, "Cache misses:        %d\n", m.Misses)
	fmt.Fprintf(&b, "Hit rate:            %.1f%%\n", m.HitRate()*100)
	fmt.Fprintf(&b, "Tokens from cache:   %d\n", m.CachedTokens)
	fmt.Fprintf(&b, "Tokens re-sent:      %d\n", m.UncachedTokens)
	fmt.Fprintf(&b, "Est. token savings:  %d\n", m.EstimatedSavings)
	fmt.Fprintf(&b, "Provider cache write: %d\n", m.ProviderCacheCreation)
	fmt.Fprintf(&b, "Provider cache read:  %d\n", m.ProviderCacheRead)
	return b.String()
}

type entry struct {
	key      string
	hash     uint64
	tokens   int
	created  time.Time
	accessed time.Time
	hits     uint64
}

// Tracker remembers fingerprints of content sent under cache keys so repeated
// prefixes can be recognised. It evicts the least recently used key when full
// and is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	discount float64
	entries  map[string]*list.Element
	lru      *list.List
	metrics  Metrics
	now      func() time.Time
	started  time.Time
}

type TrackerOption func(*Tracker)

func WithDiscountRate(rate float64) TrackerOption {
	return func(t *Tracker) { t.discount = rate }
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a Tracker holding at most capacity keys; a non-positive
// capacity means DefaultTrackerCapacity.
func NewTracker(capacity int, opts ...TrackerOption) *Tracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	t := &Tracker{
		capacity: capacity,
		discount: 0.9,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.started = t.now()
	return t
}

// Fingerprint hashes content the way the Tracker does.
func Fingerprint(content string) uint64 { return xxh3.HashString(content) }

// Store records content as sent under key.
func (t *Tracker) Store(key, content string, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if el, ok := t.entries[key]; ok {
		e := el.Value.(*entry)
		e.hash, e.tokens, e.created, e.accessed = Fingerprint(content), tokens, now, now
		t.lru.MoveToFront(el)
	} else {
		if t.lru.Len() >= t.capacity {
			t.evictOldest()
		}
		e := &entry{key: key, hash: Fingerprint(content), tokens: tokens, created: now, accessed: now}
		t.entries[key] = t.lru.PushFront(e)
	}
	t.metrics.Writes++
	t.metrics.UncachedTokens += uint64(tokens)
}

// Check compares content with what was last stored under key.
func (t *Tracker) Check(key, content string) CheckResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		return CheckResult{Status: StatusMiss}
	}
	e := el.Value.(*entry)
	if e.hash != Fingerprint(content) {
		t.metrics.Misses++
		t.metrics.UncachedTokens += uint64(e.tokens)
		return CheckResult{Status: StatusStale}
	}

	now := t.now()
	e.accessed = now
	e.hits++
	t.lru.MoveToFront(el)
	t.metrics.Hits++
	t.metrics.CachedTokens += uint64(e.tokens)
	t.metrics.EstimatedSavings += uint64(float64(e.tokens) * t.discount)
	return CheckResult{Status: StatusHit, Tokens: e.tokens, Age: now.Sub(e.created)}
}

// Observe checks key and stores content when it was not a hit. It is the
// usual call per request prefix.
func (t *Tracker) Observe(key, content string, tokens int) CheckResult {
	res := t.Check(key, content)
	if res.Status != StatusHit {
		t.Store(key, content, tokens)
	}
	return res
}

// RecordProviderUsage adds the cache counters a provider reported for a call.
func (t *Tracker) RecordProviderUsage(creation, read int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if creation > 0 {
		t.metrics.ProviderCacheCreation += uint64(creation)
	}
	if read > 0 {
		t.metrics.ProviderCacheRead += uint64(read)
	}
}

func (t *Tracker) Invalidate(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.entries[key]; ok {
		t.lru.Remove(el)
		delete(t.entries, key)
	}
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*list.Element)
	t.lru.Init()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

func (t *Tracker) ResetMetrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = Metrics{}
}

// Summary is a point-in-time view of the Tracker.
type Summary struct {
	Entries       int
	TrackedTokens int
	Metrics       Metrics
	Uptime        time.Duration
}

func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Entries: t.lru.Len(), Metrics: t.metrics, Uptime: t.now().Sub(t.started)}
	for el := t.lru.Front(); el != nil; el = el.Next() {
		s.TrackedTokens += el.Value.(*entry).tokens
	}
	return s
}

func (t *Tracker) evictOldest() {
	oldest := t.lru.Back()
	if oldest == nil {
		return
	}
	t.lru.Remove(oldest)
	delete(t.entries, oldest.Value.(*entry).key)
}
