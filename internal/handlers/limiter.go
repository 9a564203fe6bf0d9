package handlers

import (
	"strings"
	"sync"
	"time"
)

// sessionLimiter throttles quote-session creation per client key. The quote
// endpoints are unauthenticated, so this is the only brake on a client
// filling the in-memory registry.
type sessionLimiter interface {
	Allow(key string) bool
}

type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]windowEntry
}

type windowEntry struct {
	count int
	reset time.Time
}

// newWindowLimiter builds a fixed-window counter. A nil return disables
// limiting entirely.
func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) sessionLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]windowEntry),
	}
}

func (l *windowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = windowEntry{count: 1, reset: now.Add(l.window)}
		l.pruneExpiredLocked(now)
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

func (l *windowLimiter) pruneExpiredLocked(now time.Time) {
	if len(l.store) == 0 {
		return
	}
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}
