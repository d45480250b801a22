package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

var _ RecipientLimiter = (*MemoryLimiter)(nil)

// MemoryLimiter is an in-process sliding window. Counts are lost on restart
// and are not shared between instances.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time

	lastPrune time.Time
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return newMemoryLimiter(limit, Window, time.Now)
}

func newMemoryLimiter(limit int, window time.Duration, nowFn func() time.Time) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = Window
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &MemoryLimiter{
		limit:  limit,
		window: window,
		now:    nowFn,
		hits:   make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) CanSend(_ context.Context, recipientKey string) (bool, error) {
	key := NormalizeKey(recipientKey)
	if key == "" {
		return false, fmt.Errorf("recipient key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	l.pruneLocked(now, cutoff)

	hits := l.hits[key]
	kept := hits[:0]
	for _, at := range hits {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false, nil
	}

	l.hits[key] = append(kept, now)
	return true, nil
}

// pruneLocked drops recipients with no hit inside the window, at most once per
// window, so the map stays bounded by the recipients seen in the last hour.
func (l *MemoryLimiter) pruneLocked(now, cutoff time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now

	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// NormalizeKey folds formatting differences so 010-0000-0000 and 01000000000
// share a counter.
func NormalizeKey(recipientKey string) string {
	replacer := strings.NewReplacer("-", "", " ", "", "(", "", ")", "")
	return strings.ToLower(replacer.Replace(strings.TrimSpace(recipientKey)))
}
