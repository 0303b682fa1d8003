// Package quotecache caches post-rule quote results by request fingerprint so
// identical shipments do not hit the carrier twice within a short TTL.
package quotecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tournevent/shipquote/internal/rules"
	"github.com/tournevent/shipquote/pkg/shipping"
)

// DefaultTTL is short because carrier rates are volatile.
const DefaultTTL = 5 * time.Minute

// Entry is a cached quote result.
type Entry struct {
	Options      []shipping.ShippingOption `json:"options"`
	AppliedRules []rules.AppliedRule       `json:"applied_rules"`
	// RuleContext identifies the rule inputs the options were computed for.
	RuleContext string    `json:"rule_context"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is a fingerprint keyed cache with per-entry TTL.
type Store interface {
	// Get returns the entry for key; ok is false on a miss or expired entry.
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)
	// Put stores entry under key. Concurrent writers for a key are last-writer-wins.
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Sweep removes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// Memory is a process-local Store.
type Memory struct {
	mu         sync.RWMutex
	items      map[string]memoryEntry
	now        func() time.Time
	sweepBatch int
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		items:      make(map[string]memoryEntry),
		now:        time.Now,
		sweepBatch: 256,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Get implements Store. Expired entries are evicted lazily.
func (m *Memory) Get(ctx context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	now := m.now()
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !now.Before(item.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && !now.Before(cur.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return cloneEntry(item.entry), true, nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryEntry{
		entry:     cloneEntry(entry),
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// Sweep implements Store. Expired keys are collected under a read lock and
// deleted in bounded batches so concurrent Get/Put calls are never blocked
// for longer than one batch.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	m.mu.RLock()
	now := m.now()
	var expired []string
	for key, item := range m.items {
		if !now.Before(item.expiresAt) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(expired)

	removed := 0
	for start := 0; start < len(expired); start += m.sweepBatch {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		end := min(start+m.sweepBatch, len(expired))
		m.mu.Lock()
		for _, key := range expired[start:end] {
			// A Put may have refreshed the key since it was collected.
			if item, ok := m.items[key]; ok && !now.Before(item.expiresAt) {
				delete(m.items, key)
				removed++
			}
		}
		m.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func cloneEntry(e Entry) Entry {
	out := e
	out.Options = shipping.CloneOptions(e.Options)
	out.AppliedRules = rules.CloneAudit(e.AppliedRules)
	return out
}

var _ Store = (*Memory)(nil)
