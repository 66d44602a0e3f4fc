// Package ratelimit provides per-source-IP admission control for the
// Listener's CommPoints (§4.1 SPEC_FULL.md expansion). A source that
// exceeds its query-rate threshold is refused admission for a cooldown
// window instead of being evaluated by the mesh at all.
package ratelimit

import (
	"sync"
	"time"
)

// sourceEntry tracks query rate for a single source IP.
type sourceEntry struct {
	windowStart    time.Time // start of current 1-second sliding window
	cooldownExpiry time.Time // when cooldown ends (zero if not in cooldown)
	lastSeen       time.Time // for LRU eviction
	queryCount     int
}

// Limiter admits or refuses queries per source IP with a bounded map of
// tracked sources. Exceeding threshold queries/second puts a source into
// cooldown for the configured duration.
type Limiter struct {
	mu         sync.Mutex
	sources    map[string]*sourceEntry
	threshold  int
	cooldown   time.Duration
	maxEntries int
	evictions  uint64
}

// New creates a Limiter admitting at most threshold queries/second per
// source IP, refusing a source for cooldown once it's exceeded, and
// tracking at most maxEntries distinct sources.
func New(threshold int, cooldown time.Duration, maxEntries int) *Limiter {
	return &Limiter{
		threshold:  threshold,
		cooldown:   cooldown,
		maxEntries: maxEntries,
		sources:    make(map[string]*sourceEntry),
	}
}

// Allow reports whether a query from sourceIP should be admitted to the
// mesh. A false return means the CommPoint should drop the datagram
// without calling Mesh.NewClient.
func (l *Limiter) Allow(sourceIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, exists := l.sources[sourceIP]
	if !exists {
		l.sources[sourceIP] = &sourceEntry{queryCount: 1, windowStart: now, lastSeen: now}
		if len(l.sources) > l.maxEntries {
			l.evict()
		}
		return true
	}

	if !entry.cooldownExpiry.IsZero() {
		if now.Before(entry.cooldownExpiry) {
			entry.lastSeen = now
			return false
		}
		entry.cooldownExpiry = time.Time{}
		entry.queryCount = 1
		entry.windowStart = now
		entry.lastSeen = now
		return true
	}

	if now.Sub(entry.windowStart) > time.Second {
		entry.queryCount = 1
		entry.windowStart = now
	} else {
		entry.queryCount++
	}
	entry.lastSeen = now

	if entry.queryCount > l.threshold {
		entry.cooldownExpiry = now.Add(l.cooldown)
		return false
	}
	return true
}

// evict drops the oldest 10% of tracked sources by last-seen time. Must
// be called while holding l.mu.
func (l *Limiter) evict() {
	n := l.maxEntries / 10
	if n == 0 {
		n = 1
	}
	type aged struct {
		ip       string
		lastSeen time.Time
	}
	entries := make([]aged, 0, len(l.sources))
	for ip, e := range l.sources {
		entries = append(entries, aged{ip, e.lastSeen})
	}
	for i := 0; i < n && i < len(entries); i++ {
		oldest := i
		for j := i + 1; j < len(entries); j++ {
			if entries[j].lastSeen.Before(entries[oldest].lastSeen) {
				oldest = j
			}
		}
		entries[i], entries[oldest] = entries[oldest], entries[i]
	}
	for i := 0; i < n && i < len(entries); i++ {
		delete(l.sources, entries[i].ip)
		l.evictions++
	}
}

// Cleanup removes sources not seen in the last minute. Intended to be
// called periodically by the owning Listener, not by Allow itself.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, e := range l.sources {
		if now.Sub(e.lastSeen) > time.Minute {
			delete(l.sources, ip)
		}
	}
}

// Evictions returns the number of LRU evictions performed so far.
func (l *Limiter) Evictions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictions
}
