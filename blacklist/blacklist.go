// Package blacklist implements transient peer blacklisting with
// exponential cool-off for failed link attempts (C8, spec §4.8).
//
// Grounded on the sliding-window category table in
// github.com/joeycumines/go-catrate's Limiter (catrate/limiter.go):
// a concurrent-safe table keyed by category (here, EUI-64), a
// background sweep goroutine started lazily on first use, and clock
// access routed through package-level timeNow/timeNewTicker vars so
// tests never sleep on wall-clock time. The cool-off math itself is
// exponential-interval-with-TTL rather than catrate's sliding-window
// event count, so the table is reimplemented rather than wrapping
// Limiter directly.
package blacklist

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// for testing purposes, following catrate/limiter.go's own pattern
var (
	timeNow       = time.Now
	timeNewTicker = time.NewTicker
)

// Config bounds the table's behavior (spec §4.8).
type Config struct {
	// EntryLifetime is the reject window: a newly (or freshly failed)
	// blacklisted device is rejected for this long before Check starts
	// returning accept.
	EntryLifetime time.Duration
	// InitialInterval is the cool-off applied on a device's first
	// recorded failure.
	InitialInterval time.Duration
	// MaxInterval caps the exponential doubling.
	MaxInterval time.Duration
	// PurgeTimerTimeout is the nominal purge sweep period; the actual
	// interval is re-randomised 0.5x-1.5x on every fire (spec §9
	// supplement, original_source's blacklist_ttl_update, Part D item 2).
	PurgeTimerTimeout time.Duration
	// Capacity is the table's size cap.
	Capacity int
	// PurgeNbr is both the "how close to Capacity before evicting" margin
	// and the number of shortest-TTL entries evicted once that margin is
	// crossed.
	PurgeNbr int
}

// DefaultConfig mirrors typical mesh-stack defaults: 30s reject window,
// 2s initial cool-off doubling up to 5 minutes, a 60s purge sweep, and
// room for 64 entries with an 8-entry eviction margin.
func DefaultConfig() Config {
	return Config{
		EntryLifetime:     30 * time.Second,
		InitialInterval:   2 * time.Second,
		MaxInterval:       5 * time.Minute,
		PurgeTimerTimeout: 60 * time.Second,
		Capacity:          64,
		PurgeNbr:          8,
	}
}

type entry struct {
	eui         uint64
	interval    time.Duration
	blacklistAt time.Time // start of the current reject window
	expiresAt   time.Time // TTL: entry is purged once past this
}

// Table is the blacklist (spec §4.8). The zero value is not usable;
// construct with New.
type Table struct {
	cfg Config

	mu      sync.Mutex
	entries map[uint64]*entry

	running int32
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// New creates a Table with cfg. cfg's zero Duration fields fall back to
// DefaultConfig's values.
func New(cfg Config) *Table {
	def := DefaultConfig()
	if cfg.EntryLifetime <= 0 {
		cfg.EntryLifetime = def.EntryLifetime
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.PurgeTimerTimeout <= 0 {
		cfg.PurgeTimerTimeout = def.PurgeTimerTimeout
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.PurgeNbr <= 0 {
		cfg.PurgeNbr = def.PurgeNbr
	}
	return &Table{
		cfg:     cfg,
		entries: make(map[uint64]*entry),
		rng:     rand.New(rand.NewSource(timeNow().UnixNano())),
	}
}

func (t *Table) jitter() float64 {
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return 1.0 + t.rng.Float64()*0.5
}

// RecordFailure adds eui to the table (or, if already present, doubles
// its cool-off interval up to MaxInterval) and recomputes its TTL as
// EntryLifetime + U(1.0..1.5)*interval (spec §4.8). Starts the purge
// sweep goroutine lazily on first use.
func (t *Table) RecordFailure(eui uint64) {
	if atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		go t.purgeLoop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := timeNow()
	e, ok := t.entries[eui]
	if !ok {
		e = &entry{eui: eui, interval: t.cfg.InitialInterval}
		t.entries[eui] = e
	} else {
		e.interval *= 2
		if e.interval > t.cfg.MaxInterval {
			e.interval = t.cfg.MaxInterval
		}
	}
	e.blacklistAt = now
	e.expiresAt = now.Add(t.cfg.EntryLifetime + time.Duration(float64(e.interval)*t.jitter()))
}

// RecordSuccess removes eui from the table entirely (spec §4.8's "on
// link success: remove").
func (t *Table) RecordSuccess(eui uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, eui)
}

// Check implements the spec's reject policy: within the first
// EntryLifetime after the most recent failure, reject; afterwards,
// accept and refresh the entry's TTL. A device with no entry is always
// accepted.
func (t *Table) Check(eui uint64) (reject bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[eui]
	if !ok {
		return false
	}
	now := timeNow()
	if now.Before(e.blacklistAt.Add(t.cfg.EntryLifetime)) {
		return true
	}
	e.expiresAt = now.Add(t.cfg.EntryLifetime + time.Duration(float64(e.interval)*t.jitter()))
	return false
}

// Len reports the current entry count.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// evictIfNearCapacity drops the PurgeNbr shortest-TTL entries once the
// table is within PurgeNbr of Capacity. Caller must hold t.mu.
func (t *Table) evictIfNearCapacity() {
	if len(t.entries) < t.cfg.Capacity-t.cfg.PurgeNbr {
		return
	}
	t.evictShortestTTLLocked(t.cfg.PurgeNbr)
}

func (t *Table) evictShortestTTLLocked(n int) {
	if n <= 0 || len(t.entries) == 0 {
		return
	}
	victims := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].expiresAt.Before(victims[j].expiresAt) })
	if n > len(victims) {
		n = len(victims)
	}
	for _, e := range victims[:n] {
		delete(t.entries, e.eui)
	}
}

// Purge runs one purge sweep synchronously: drop TTL-expired entries,
// then evict toward the capacity margin (spec §4.8). Exposed so a
// caller can drive a sweep on its own schedule (or a test can force one
// deterministically); purgeLoop calls this on every periodic fire.
func (t *Table) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := timeNow()
	for eui, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, eui)
		}
	}
	t.evictIfNearCapacity()
}

// purgeLoop is the periodic purge sweep (spec §4.8). The sweep interval
// is re-randomised 0.5x-1.5x every fire so many devices' sweeps never
// synchronize into a thundering herd (original_source supplement).
func (t *Table) purgeLoop() {
	for {
		period := time.Duration(float64(t.cfg.PurgeTimerTimeout) * (0.5 + rand.Float64()))
		timer := timeNewTicker(period)
		<-timer.C
		timer.Stop()

		t.Purge()

		t.mu.Lock()
		empty := len(t.entries) == 0
		t.mu.Unlock()
		if empty {
			atomic.StoreInt32(&t.running, 0)
			return
		}
	}
}
