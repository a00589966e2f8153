// Package cancel provides the process-wide cancellation bus.
//
// The bus is a thread_id → cancelled flag map consulted by the event
// emitter between graph nodes. Setting the flag prevents new node
// schedules; nodes already running are allowed to finish.
package cancel

import "sync"

// Bus tracks cancellation flags per thread. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	cancelled map[string]bool
}

// NewBus creates an empty cancellation bus.
func NewBus() *Bus {
	return &Bus{cancelled: make(map[string]bool)}
}

// Cancel marks the thread as cancelled. Idempotent.
func (b *Bus) Cancel(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[threadID] = true
}

// IsCancelled reports whether the thread has been cancelled.
func (b *Bus) IsCancelled(threadID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cancelled[threadID]
}

// Clear removes the flag for the thread. Called on run start so a
// previously stopped thread can be resumed.
func (b *Bus) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cancelled, threadID)
}
