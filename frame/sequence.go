package frame

import "sync"

// SequenceTracker follows the message counter of one direction of a session.
//
// The counter is expected to be non-decreasing modulo 65536. A value lower than
// the previous one is a rollover, which is reported but is never an error.
type SequenceTracker struct {
	mu        sync.Mutex
	prev      uint16
	seen      bool
	rollovers uint64
}

// Observe records seq and reports whether it rolled over relative to the previous value.
func (st *SequenceTracker) Observe(seq uint16) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	rollover := st.seen && seq < st.prev
	if rollover {
		st.rollovers++
	}

	st.prev = seq
	st.seen = true

	return rollover
}

// ObserveFrame records the sequence number of b. Frames without a sequence
// field are ignored.
func (st *SequenceTracker) ObserveFrame(b []byte) bool {
	seq, ok := Sequence(b)
	if !ok {
		return false
	}

	return st.Observe(seq)
}

// Last returns the last observed sequence number and whether any was observed.
func (st *SequenceTracker) Last() (uint16, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.prev, st.seen
}

// Rollovers returns the number of rollovers observed so far.
func (st *SequenceTracker) Rollovers() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.rollovers
}

// Reset forgets the previous sequence number, e.g. after the local endpoint reconnected.
func (st *SequenceTracker) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.prev = 0
	st.seen = false
}
