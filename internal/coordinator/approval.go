package coordinator

import (
	"sync"

	"github.com/makdo-io/makdo/internal/types"
)

// decisionSlot is a single-resolution completion slot: the first writer
// (human decision or timeout timer) wins and later writes are no-ops.
type decisionSlot struct {
	once sync.Once
	ch   chan types.Decision
}

// approvals tracks the suspended approval waits, keyed by remediation id.
type approvals struct {
	mu    sync.Mutex
	slots map[string]*decisionSlot
}

func newApprovals() *approvals {
	return &approvals{slots: make(map[string]*decisionSlot)}
}

// Create registers a wait for the given remediation and returns the channel
// its resolution will arrive on.
func (a *approvals) Create(id string) <-chan types.Decision {
	slot := &decisionSlot{ch: make(chan types.Decision, 1)}
	a.mu.Lock()
	a.slots[id] = slot
	a.mu.Unlock()
	return slot.ch
}

// Resolve delivers a decision. It returns true when this call won the slot;
// false when no wait exists or the slot was already resolved (for example a
// late decision arriving after the timeout fired).
func (a *approvals) Resolve(id string, d types.Decision) bool {
	a.mu.Lock()
	slot, ok := a.slots[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	won := false
	slot.once.Do(func() {
		slot.ch <- d
		won = true
	})
	return won
}

// Remove drops the slot once the wait has concluded.
func (a *approvals) Remove(id string) {
	a.mu.Lock()
	delete(a.slots, id)
	a.mu.Unlock()
}

// Pending returns the number of outstanding approval waits.
func (a *approvals) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}
