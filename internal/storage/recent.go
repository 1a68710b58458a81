package storage

import (
	"context"
	"sync"
	"time"

	"github.com/yungsuk53-pixel/crime/internal/interfaces"
)

// DefaultMaxRecent is how many sessions each owner keeps.
const DefaultMaxRecent = 6

// MemoryRecentSessions is the in-process RecentSessionsRepository.
type MemoryRecentSessions struct {
	mu      sync.Mutex
	max     int
	entries map[string][]interfaces.RecentSession
}

func NewMemoryRecentSessions(max int) *MemoryRecentSessions {
	if max <= 0 {
		max = DefaultMaxRecent
	}
	return &MemoryRecentSessions{max: max, entries: make(map[string][]interfaces.RecentSession)}
}

func (m *MemoryRecentSessions) Remember(_ context.Context, owner string, entry interfaces.RecentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := []interfaces.RecentSession{entry}
	for _, old := range m.entries[owner] {
		if sameRecent(old, entry) {
			continue
		}
		list = append(list, old)
	}
	if len(list) > m.max {
		list = list[:m.max]
	}
	m.entries[owner] = list
	return nil
}

func (m *MemoryRecentSessions) List(_ context.Context, owner string) ([]interfaces.RecentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]interfaces.RecentSession(nil), m.entries[owner]...), nil
}

func (m *MemoryRecentSessions) Prune(_ context.Context, owner string, keep func(interfaces.RecentSession) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []interfaces.RecentSession
	for _, entry := range m.entries[owner] {
		if keep(entry) {
			list = append(list, entry)
		}
	}
	m.entries[owner] = list
	return nil
}

// LocalLocker is the single-process Locker used without Redis.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, false, nil
	}
	expires := now.Add(ttl)
	l.held[key] = expires
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
	}, true, nil
}
