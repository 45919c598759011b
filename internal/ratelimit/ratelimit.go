package ratelimit

import (
	"sync"
	"time"
)

// Default limits for the per-remote-address message budget.
const (
	DefaultWindow  = 5 * time.Second
	DefaultMaxHits = 60
	DefaultBan     = 30 * time.Second
)

// Limiter is a per-key sliding-window rate limiter with temporary bans.
// Keys are typically remote IP addresses.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	ban    time.Duration
	now    func() time.Time

	hits        map[string][]time.Time
	bannedUntil map[string]time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithLimits overrides the window length, message budget and ban duration.
func WithLimits(window time.Duration, max int, ban time.Duration) Option {
	return func(l *Limiter) {
		l.window = window
		l.max = max
		l.ban = ban
	}
}

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a Limiter with the default limits.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		window:      DefaultWindow,
		max:         DefaultMaxHits,
		ban:         DefaultBan,
		now:         time.Now,
		hits:        make(map[string][]time.Time),
		bannedUntil: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one event for key and reports whether it is within budget.
// Exceeding the budget clears the window and bans the key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if deadline, ok := l.bannedUntil[key]; ok {
		if now.Before(deadline) {
			return false
		}
		delete(l.bannedUntil, key)
	}

	window := append(l.hits[key], now)
	cutoff := now.Add(-l.window)
	trimmed := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}

	if len(trimmed) > l.max {
		l.bannedUntil[key] = now.Add(l.ban)
		delete(l.hits, key)
		return false
	}
	l.hits[key] = trimmed
	return true
}

// IsBanned reports whether key is currently under a temporary ban.
func (l *Limiter) IsBanned(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline, ok := l.bannedUntil[key]
	return ok && l.now().Before(deadline)
}

// Forget clears sliding-window state for key, e.g. after a disconnect.
// An active ban survives Forget.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}
