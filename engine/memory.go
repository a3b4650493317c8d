package engine

import (
	"sync"
	"time"

	"github.com/tokwatch/tokwatch/models"
)

// memoryEntry stores the preferred engine for a target kind with a TTL.
type memoryEntry struct {
	engineName string
	expiresAt  time.Time
}

// Memory remembers which engine last worked for each target kind.
// Profile and video pages are served differently (grids hydrate client
// side far more often), so the hint is kept per kind rather than per
// domain. Entries expire after the TTL and are pruned periodically.
type Memory struct {
	store sync.Map // models.TargetKind -> *memoryEntry
	ttl   time.Duration
	done  chan struct{}
}

// NewMemory creates a Memory with the given TTL and starts a background
// goroutine that prunes expired entries.
func NewMemory(ttl time.Duration) *Memory {
	m := &Memory{
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Get returns the remembered engine name for a kind, or "" if not found
// or expired.
func (m *Memory) Get(kind models.TargetKind) string {
	val, ok := m.store.Load(kind)
	if !ok {
		return ""
	}
	entry := val.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.store.Delete(kind)
		return ""
	}
	return entry.engineName
}

// Set records which engine succeeded for a kind.
func (m *Memory) Set(kind models.TargetKind, engineName string) {
	m.store.Store(kind, &memoryEntry{
		engineName: engineName,
		expiresAt:  time.Now().Add(m.ttl),
	})
}

// Delete removes the hint for a kind, e.g. after the remembered engine
// fails.
func (m *Memory) Delete(kind models.TargetKind) {
	m.store.Delete(kind)
}

// Stop terminates the background cleanup goroutine.
func (m *Memory) Stop() {
	close(m.done)
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.store.Range(func(key, value any) bool {
				entry := value.(*memoryEntry)
				if now.After(entry.expiresAt) {
					m.store.Delete(key)
				}
				return true
			})
		}
	}
}
