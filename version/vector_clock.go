// Package version provides causality tracking for the go-collab-kit library.
// Vector clocks determine the partial ordering of document operations produced
// by concurrently editing participants.
package version

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VectorClockError represents errors that can occur during vector clock operations
type VectorClockError struct {
	Msg string
}

func (e *VectorClockError) Error() string {
	return e.Msg
}

// Vector clock constraints
const (
	// MaxParticipantIDLength is the maximum allowed length for a participant ID
	MaxParticipantIDLength = 255

	// MaxParticipants is the maximum number of participants that can be tracked
	// This prevents memory issues from unbounded growth
	MaxParticipants = 1000
)

// VectorClock tracks one logical counter per participant. It determines
// whether one operation happened-before, happened-after, or is concurrent
// with another, which drives conflict detection in the engine.
//
// Vector clocks are ideal for:
// - Collaborative editing sessions with multiple writers
// - Conflict detection between concurrent operations
// - Short offline periods followed by reconnection
type VectorClock struct {
	// counters maps a participant ID to its logical clock value.
	// Each participant advances its own counter and observes the others'.
	counters map[string]uint64
}

// NewVectorClock creates an empty VectorClock.
// This is the primary constructor for creating vector clocks.
func NewVectorClock() *VectorClock {
	return &VectorClock{
		counters: make(map[string]uint64),
	}
}

// ParseVectorClock attempts to deserialize a JSON string into a VectorClock.
// This is useful for reconstructing a clock received from storage or over the
// network.
//
// The expected format is a JSON object mapping participant IDs to counters:
// {"alice": 5, "bob": 3}
//
// Returns an error if the input string is not valid JSON or contains invalid data.
func ParseVectorClock(data string) (*VectorClock, error) {
	if strings.TrimSpace(data) == "" || data == "{}" {
		return NewVectorClock(), nil
	}

	vc := NewVectorClock()
	if err := json.Unmarshal([]byte(data), &vc.counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector clock from '%s': %w", data, err)
	}

	for participantID := range vc.counters {
		if participantID == "" {
			return nil, fmt.Errorf("vector clock contains empty participant ID")
		}
	}

	return vc, nil
}

// NewVectorClockFromMap creates a VectorClock from a map of participant IDs to
// counters. This is useful for testing or when you have clock data in map
// format. The input map is copied to prevent external mutations.
func NewVectorClockFromMap(counters map[string]uint64) *VectorClock {
	vc := NewVectorClock()
	for participantID, counter := range counters {
		vc.counters[participantID] = counter
	}
	return vc
}

// Increment increases the logical counter for a given participant ID.
// This should be called whenever a participant produces a new operation.
//
// Example usage:
//
//	clock := NewVectorClock()
//	clock.Increment("alice") // {"alice": 1}
//	clock.Increment("alice") // {"alice": 2}
//
// Returns an error if:
// - The participant ID is empty
// - The participant ID exceeds MaxParticipantIDLength
// - Adding this participant would exceed MaxParticipants
func (vc *VectorClock) Increment(participantID string) error {
	if participantID == "" {
		return &VectorClockError{Msg: "participant ID cannot be empty"}
	}

	if len(participantID) > MaxParticipantIDLength {
		return &VectorClockError{Msg: fmt.Sprintf("participant ID length exceeds maximum of %d characters", MaxParticipantIDLength)}
	}

	// Check if adding this participant would exceed the maximum
	if _, exists := vc.counters[participantID]; !exists && len(vc.counters) >= MaxParticipants {
		return &VectorClockError{Msg: fmt.Sprintf("cannot track more than %d participants", MaxParticipants)}
	}

	vc.counters[participantID]++
	return nil
}

// Merge combines this vector clock with another, taking the maximum counter
// for each participant present in either clock. This is how a replica folds
// the causal history of a received operation into its own view.
//
// Example:
//
//	clock1 := {"alice": 2, "bob": 1}
//	clock2 := {"alice": 1, "carol": 2}
//	clock1.Merge(clock2) results in {"alice": 2, "bob": 1, "carol": 2}
//
// Returns an error if:
// - The resulting merged clock would exceed MaxParticipants
// - Any participant ID in the other clock exceeds MaxParticipantIDLength
func (vc *VectorClock) Merge(other *VectorClock) error {
	if other == nil {
		return nil
	}

	// Count how many new participants would be added
	newCount := 0
	for participantID := range other.counters {
		if len(participantID) > MaxParticipantIDLength {
			return &VectorClockError{Msg: fmt.Sprintf("other clock contains participant ID exceeding maximum length of %d", MaxParticipantIDLength)}
		}
		if _, exists := vc.counters[participantID]; !exists {
			newCount++
		}
	}

	// Check if merging would exceed the maximum participant limit
	if len(vc.counters)+newCount > MaxParticipants {
		return &VectorClockError{Msg: fmt.Sprintf("merging would exceed maximum of %d participants", MaxParticipants)}
	}

	// Perform the merge
	for participantID, otherCounter := range other.counters {
		if currentCounter, exists := vc.counters[participantID]; !exists || otherCounter > currentCounter {
			vc.counters[participantID] = otherCounter
		}
	}

	return nil
}

// Compare determines the causal relationship between two VectorClocks.
// It returns:
//   - -1: if this VectorClock happened-before the other (this ≺ other)
//   - 1: if this VectorClock happened-after the other (this ≻ other)
//   - 0: if they are concurrent or identical (this || other)
//
// The comparison follows the standard vector clock partial ordering:
// - A ≺ B if A[i] ≤ B[i] for all i, and A[j] < B[j] for at least one j
// - A ≻ B if B ≺ A
// - A || B if neither A ≺ B nor B ≺ A (concurrent)
func (vc *VectorClock) Compare(other *VectorClock) int {
	if other == nil {
		// Non-nil clock is always after nil
		if vc.IsZero() {
			return 0 // Both are effectively zero
		}
		return 1
	}

	// Collect all participant IDs from both clocks
	allParticipants := make(map[string]bool)
	for participantID := range vc.counters {
		allParticipants[participantID] = true
	}
	for participantID := range other.counters {
		allParticipants[participantID] = true
	}

	thisHappenedBefore := false
	otherHappenedBefore := false

	for participantID := range allParticipants {
		thisCounter := vc.counters[participantID]     // Defaults to 0 if not present
		otherCounter := other.counters[participantID] // Defaults to 0 if not present

		if thisCounter < otherCounter {
			thisHappenedBefore = true
		} else if thisCounter > otherCounter {
			otherHappenedBefore = true
		}
	}

	if thisHappenedBefore && !otherHappenedBefore {
		return -1 // This happened-before other
	}
	if otherHappenedBefore && !thisHappenedBefore {
		return 1 // This happened-after other
	}

	return 0 // Concurrent or equal
}

// String serializes the VectorClock to a JSON string for storage or transport.
// The format is a JSON object mapping participant IDs to their counters.
//
// Examples:
//   - Empty clock: "{}"
//   - Single participant: {"alice":5}
//   - Multiple participants: {"alice":5,"bob":3}
func (vc *VectorClock) String() string {
	if vc.IsZero() {
		return "{}"
	}

	data, err := json.Marshal(vc.counters)
	if err != nil {
		// This should not happen with a map[string]uint64, but handle gracefully
		return fmt.Sprintf(`{"error":"serialization failed: %s"}`, err.Error())
	}

	return string(data)
}

// MarshalJSON implements json.Marshaler so clocks embed cleanly in
// operations, snapshots and wire envelopes.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	if vc == nil || vc.counters == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(vc.counters)
}

// UnmarshalJSON implements json.Unmarshaler.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	counters := make(map[string]uint64)
	if err := json.Unmarshal(data, &counters); err != nil {
		return fmt.Errorf("failed to unmarshal vector clock: %w", err)
	}
	for participantID := range counters {
		if participantID == "" {
			return fmt.Errorf("vector clock contains empty participant ID")
		}
	}
	vc.counters = counters
	return nil
}

// IsZero returns true if the VectorClock is empty (no participants observed).
// This is equivalent to the initial state of a vector clock.
func (vc *VectorClock) IsZero() bool {
	return len(vc.counters) == 0
}

// Clone creates a deep copy of the VectorClock.
// This is useful when you need to create a snapshot or avoid mutations.
func (vc *VectorClock) Clone() *VectorClock {
	clone := NewVectorClock()
	for participantID, counter := range vc.counters {
		clone.counters[participantID] = counter
	}
	return clone
}

// Counter returns the counter for a specific participant ID.
// Returns 0 if the participant has not been observed in this vector clock.
func (vc *VectorClock) Counter(participantID string) uint64 {
	return vc.counters[participantID] // Returns 0 if not present
}

// Counters returns a copy of the internal counter map.
// This prevents external mutation of the vector clock's internal state.
func (vc *VectorClock) Counters() map[string]uint64 {
	result := make(map[string]uint64)
	for participantID, counter := range vc.counters {
		result[participantID] = counter
	}
	return result
}

// Size returns the number of participants tracked by this vector clock.
func (vc *VectorClock) Size() int {
	return len(vc.counters)
}

// ConcurrentWith returns true if this vector clock is concurrent with another.
// Two vector clocks are concurrent if neither happened-before the other.
func (vc *VectorClock) ConcurrentWith(other *VectorClock) bool {
	return vc.Compare(other) == 0 && !vc.Equal(other)
}

// Equal returns true if two vector clocks are identical.
func (vc *VectorClock) Equal(other *VectorClock) bool {
	if other == nil {
		return vc.IsZero()
	}

	if len(vc.counters) != len(other.counters) {
		return false
	}

	for participantID, counter := range vc.counters {
		if other.counters[participantID] != counter {
			return false
		}
	}

	return true
}

// HappenedBefore returns true if this vector clock happened-before the other.
func (vc *VectorClock) HappenedBefore(other *VectorClock) bool {
	return vc.Compare(other) == -1
}

// HappenedAfter returns true if this vector clock happened-after the other.
func (vc *VectorClock) HappenedAfter(other *VectorClock) bool {
	return vc.Compare(other) == 1
}
