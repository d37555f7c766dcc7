package polling

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"printcast/internal/platform/metrics"
	"printcast/internal/ratelimit"
)

// Reader performs one upstream read of platform state.
type Reader func(ctx context.Context) (any, error)

// Config enumerates the polling manager options. Zero values are replaced
// by the documented defaults in NewManager.
type Config struct {
	Enabled              bool
	BaseIntervalSeconds  float64
	MinIntervalSeconds   float64
	MaxIntervalSeconds   float64
	IdleThresholdMinutes float64
	BackoffMultiplier    float64
	MaxJitterSeconds     float64
	RequestsPerMinute    int
	CacheDurationSeconds float64
}

func (c Config) withDefaults() Config {
	if c.BaseIntervalSeconds <= 0 {
		c.BaseIntervalSeconds = 15
	}
	if c.MinIntervalSeconds <= 0 {
		c.MinIntervalSeconds = 5
	}
	if c.MaxIntervalSeconds <= 0 {
		c.MaxIntervalSeconds = 60
	}
	if c.IdleThresholdMinutes <= 0 {
		c.IdleThresholdMinutes = 10
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1.5
	}
	if c.MaxJitterSeconds < 0 {
		c.MaxJitterSeconds = 0
	}
	if c.RequestsPerMinute < 1 {
		c.RequestsPerMinute = 60
	}
	if c.CacheDurationSeconds <= 0 {
		c.CacheDurationSeconds = 30
	}
	return c
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c Config) base() time.Duration          { return secs(c.BaseIntervalSeconds) }
func (c Config) min() time.Duration           { return secs(c.MinIntervalSeconds) }
func (c Config) max() time.Duration           { return secs(c.MaxIntervalSeconds) }
func (c Config) idleThreshold() time.Duration { return secs(c.IdleThresholdMinutes * 60) }
func (c Config) cacheTTL() time.Duration      { return secs(c.CacheDurationSeconds) }

// Snapshot is the statistics view served by the status endpoint.
type Snapshot struct {
	Requests       int64 `json:"requests"`
	CacheHits      int64 `json:"cacheHits"`
	RateLimitWaits int64 `json:"rateLimitWaits"`
	Idle           bool  `json:"idle"`
}

type flight struct {
	done chan struct{}
	val  any
	err  error
}

// Manager wraps every read of the platform's state with cache coalescing,
// rate limiting, retry with exponential backoff, and idle-mode scaling,
// keeping total platform calls under the configured per-minute budget.
type Manager struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics // may be nil

	cache  *Cache
	bucket *ratelimit.Bucket

	mu       sync.Mutex
	inflight map[Key]*flight

	requests       atomic.Int64
	cacheHits      atomic.Int64
	rateLimitWaits atomic.Int64
	lastActive     atomic.Int64 // unix nanos of the last non-cached read
}

// NewManager returns a Manager with the given options. met may be nil.
func NewManager(cfg Config, log *slog.Logger, met *metrics.Metrics) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      log,
		met:      met,
		cache:    NewCache(cfg.cacheTTL()),
		bucket:   ratelimit.NewBucket(cfg.RequestsPerMinute, time.Minute),
		inflight: make(map[Key]*flight),
	}
	m.lastActive.Store(time.Now().UnixNano())
	return m
}

// Observe returns the platform state for (kind, id), reading through read.
// A fresh cache entry is returned without an upstream call. Cold reads are
// single-flighted per key: a concurrent second caller subscribes to the
// in-flight result instead of issuing a parallel upstream call.
func (m *Manager) Observe(ctx context.Context, kind Kind, id string, read Reader) (any, error) {
	if !m.cfg.Enabled {
		return read(ctx)
	}

	key := Key{Kind: kind, ID: id}

	if v, ok := m.cache.Get(key, time.Now()); ok {
		m.cacheHits.Add(1)
		if m.met != nil {
			m.met.IncCacheHits()
		}
		return v, nil
	}

	m.mu.Lock()
	if f, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	m.inflight[key] = f
	m.mu.Unlock()

	f.val, f.err = m.fetch(ctx, key, read)

	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
	close(f.done)

	return f.val, f.err
}

// fetch performs the rate-limited upstream read with backoff on transient
// failures. It retries until the read succeeds, a non-transient error
// surfaces, or ctx is done.
func (m *Manager) fetch(ctx context.Context, key Key, read Reader) (any, error) {
	base := m.effectiveBase()
	m.lastActive.Store(time.Now().UnixNano())

	for attempt := 0; ; attempt++ {
		if wait := m.bucket.Acquire(time.Now()); wait > 0 {
			m.rateLimitWaits.Add(1)
			if m.met != nil {
				m.met.IncRateLimitWaits()
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		m.requests.Add(1)
		if m.met != nil {
			m.met.IncPlatformReads()
		}
		rctx, rcancel := context.WithTimeout(ctx, m.readTimeout())
		val, err := read(rctx)
		rcancel()
		if err == nil {
			m.cache.Put(key, val, time.Now())
			return val, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A read that outlived its own deadline is retried like any other
		// transient failure.
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		delay := m.retryInterval(attempt, base)
		m.log.Warn("transient platform read failure, backing off",
			slog.String("kind", string(key.Kind)),
			slog.String("id", key.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if serr := sleepCtx(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// WaitUntilRisingEdge polls (kind, id) through Observe until match(value)
// becomes true, abort(value) becomes true, or deadline elapses. abort may be
// nil. The bool result reports whether match fired; the second result is the
// last observed value. A non-nil error means the read failed terminally or
// the surrounding context was cancelled; a plain deadline elapse returns
// (false, last, nil).
func (m *Manager) WaitUntilRisingEdge(ctx context.Context, kind Kind, id string, read Reader, match, abort func(any) bool, deadline time.Duration) (bool, any, error) {
	scan, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	key := Key{Kind: kind, ID: id}
	var last any
	for attempt := 0; ; attempt++ {
		v, err := m.Observe(scan, kind, id, read)
		if err != nil {
			if scan.Err() != nil {
				if ctx.Err() != nil {
					return false, last, ctx.Err()
				}
				return false, last, nil
			}
			return false, last, err
		}
		last = v
		if match(v) {
			return true, v, nil
		}
		if abort != nil && abort(v) {
			return false, v, nil
		}

		if err := sleepCtx(scan, m.retryInterval(attempt, m.effectiveBase())); err != nil {
			if ctx.Err() != nil {
				return false, last, ctx.Err()
			}
			return false, last, nil
		}
		// A cached value cannot produce a rising edge; force a fresh read.
		m.cache.Delete(key)
	}
}

// retryInterval computes base * multiplier^attempt clamped to [min, max],
// plus uniform jitter in [0, maxJitter).
func (m *Manager) retryInterval(attempt int, base time.Duration) time.Duration {
	d := float64(base) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt))
	if lo := float64(m.cfg.min()); d < lo {
		d = lo
	}
	if hi := float64(m.cfg.max()); d > hi {
		d = hi
	}
	d += rand.Float64() * m.cfg.MaxJitterSeconds * float64(time.Second)
	return time.Duration(d)
}

// readTimeout bounds a single upstream read: the max interval, capped at a
// minute so a large clamp cannot hang a read that long.
func (m *Manager) readTimeout() time.Duration {
	if d := m.cfg.max(); d < time.Minute {
		return d
	}
	return time.Minute
}

// effectiveBase is the starting poll interval: the configured base, raised to
// the max interval after a period of inactivity. The caller's own read then
// counts as activity, restoring the base for the next one.
func (m *Manager) effectiveBase() time.Duration {
	if m.idle() {
		return m.cfg.max()
	}
	return m.cfg.base()
}

func (m *Manager) idle() bool {
	last := m.lastActive.Load()
	return time.Since(time.Unix(0, last)) > m.cfg.idleThreshold()
}

// Snapshot returns counters for the status endpoint.
func (m *Manager) Snapshot() Snapshot {
	idle := m.idle()
	if m.met != nil {
		m.met.SetPollingIdle(idle)
	}
	return Snapshot{
		Requests:       m.requests.Load(),
		CacheHits:      m.cacheHits.Load(),
		RateLimitWaits: m.rateLimitWaits.Load(),
		Idle:           idle,
	}
}

// ClearCache drops all coalesced reads; the next Observe per key goes upstream.
func (m *Manager) ClearCache() {
	m.cache.Clear()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
