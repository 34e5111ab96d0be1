package version

import (
	"fmt"
	"sync"
)

// ClockManager owns the authoritative vector clock for one document replica
// and serializes access to it. The engine calls Next when a local participant
// produces an operation and Observe when folding in a remote operation's
// causal history.
type ClockManager struct {
	clock *VectorClock
	mu    sync.RWMutex
}

// NewClockManager creates a manager around an empty clock.
func NewClockManager() *ClockManager {
	return &ClockManager{
		clock: NewVectorClock(),
	}
}

// NewClockManagerFromClock creates a manager seeded with an existing clock,
// for example when reopening a document from a snapshot.
func NewClockManagerFromClock(clock *VectorClock) *ClockManager {
	if clock == nil {
		return NewClockManager()
	}
	return &ClockManager{
		clock: clock.Clone(),
	}
}

// Current returns a snapshot of the managed clock.
func (cm *ClockManager) Current() *VectorClock {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.clock.Clone()
}

// Next advances the participant's counter and returns a snapshot of the
// resulting clock. The snapshot is what gets stamped onto the operation.
func (cm *ClockManager) Next(participantID string) (*VectorClock, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if err := cm.clock.Increment(participantID); err != nil {
		return nil, err
	}
	return cm.clock.Clone(), nil
}

// Observe merges an observed clock into the managed clock. This is used when
// an operation from another replica is applied locally.
func (cm *ClockManager) Observe(observed *VectorClock) error {
	if observed == nil || observed.IsZero() {
		return nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.clock.Merge(observed)
}

// Counter returns the managed clock's counter for one participant.
func (cm *ClockManager) Counter(participantID string) uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.clock.Counter(participantID)
}

// Clone creates an independent copy of the manager and its clock.
func (cm *ClockManager) Clone() *ClockManager {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return &ClockManager{
		clock: cm.clock.Clone(),
	}
}

// Restore replaces the managed clock, validating the input first.
func (cm *ClockManager) Restore(clock *VectorClock) error {
	if clock == nil {
		return fmt.Errorf("cannot restore a nil clock")
	}
	if clock.Size() > MaxParticipants {
		return fmt.Errorf("clock tracks %d participants, maximum is %d", clock.Size(), MaxParticipants)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clock = clock.Clone()
	return nil
}
