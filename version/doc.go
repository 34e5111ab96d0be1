// Package version provides causality tracking for the go-collab-kit library.
//
// This package implements vector clocks, which the engine uses to decide
// whether two document operations are causally ordered or concurrent. That
// decision drives conflict detection: only concurrent operations can
// conflict.
//
// # Vector Clocks
//
// A VectorClock tracks one logical counter per participant. A participant
// increments its own counter when it produces an operation and merges the
// clocks of operations it receives.
//
// # Basic Usage
//
//	import "github.com/c0deZ3R0/go-collab-kit/version"
//
//	// Create a new vector clock
//	clock := version.NewVectorClock()
//
//	// Increment when a participant produces an operation
//	clock.Increment("alice")
//
//	// Merge when receiving operations from another participant
//	otherClock, _ := version.ParseVectorClock(`{"bob": 3}`)
//	clock.Merge(otherClock)
//
//	// Compare clocks to determine causality
//	switch clock.Compare(otherClock) {
//	case -1:
//		fmt.Println("clock happened-before otherClock")
//	case 1:
//		fmt.Println("clock happened-after otherClock")
//	case 0:
//		fmt.Println("clocks are concurrent or equal")
//	}
//
// # Collaborative Editing Example
//
// Vector clocks shine when participants edit while temporarily disconnected
// and reconcile later:
//
//	// Two participants in a session
//	alice := version.NewVectorClock()
//	bob := version.NewVectorClock()
//
//	// Alice types
//	alice.Increment("alice")
//
//	// Bob types independently (concurrent)
//	bob.Increment("bob")
//
//	// Neither happened before the other
//	fmt.Println("concurrent:", alice.ConcurrentWith(bob))
//
//	// Bob receives Alice's operation and types again
//	bob.Merge(alice)
//	bob.Increment("bob")
//
//	// Now Bob's state causally follows Alice's
//	fmt.Println("bob after alice:", bob.HappenedAfter(alice))
//
// # Serialization
//
// Vector clocks serialize to JSON for snapshots and wire envelopes:
//
//	clock := version.NewVectorClock()
//	clock.Increment("alice")
//	clock.Increment("bob")
//
//	// Serialize to JSON string
//	jsonStr := clock.String() // {"alice":1,"bob":1}
//
//	// Deserialize from JSON string
//	restored, err := version.ParseVectorClock(jsonStr)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// VectorClock also implements json.Marshaler and json.Unmarshaler, so it can
// be embedded directly in operation and snapshot structs.
//
// # ClockManager
//
// ClockManager wraps a VectorClock with a mutex for the engine's per-document
// use: Next stamps local operations, Observe folds in remote ones.
//
//	cm := version.NewClockManager()
//	stamp, _ := cm.Next("alice")     // clock snapshot for a new operation
//	_ = cm.Observe(remoteClock)      // merge a received operation's history
//
// # Performance Considerations
//
// Vector clocks grow with the number of participants. Sessions are bounded
// at MaxParticipants; clocks of departed participants are retained so the
// causal history never shrinks. The implementation is optimized for typical
// editing sessions (a handful to a few dozen participants).
package version
