package ledger

import (
	"sync"

	"geoledger/internal/domain"
)

// lineageLocks hands out one mutex per lineage. Lineages never share a lock.
type lineageLocks struct {
	mu    sync.RWMutex
	locks map[domain.LineageKey]*sync.Mutex
}

func newLineageLocks() *lineageLocks {
	return &lineageLocks{locks: make(map[domain.LineageKey]*sync.Mutex)}
}

func (l *lineageLocks) get(key domain.LineageKey) *sync.Mutex {
	l.mu.RLock()
	m, ok := l.locks[key]
	l.mu.RUnlock()
	if ok {
		return m
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[key]; ok {
		return m
	}
	m = &sync.Mutex{}
	l.locks[key] = m
	return m
}
