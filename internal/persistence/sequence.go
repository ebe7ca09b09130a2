package persistence

import "sync/atomic"

// SequenceHolder hands out monotonic message sequence numbers. The current
// value travels with each persistence batch so recovery can resume from the
// last durable number.
type SequenceHolder struct {
	n atomic.Uint64
}

// NewSequenceHolder starts counting after the last persisted number.
func NewSequenceHolder(last uint64) *SequenceHolder {
	h := &SequenceHolder{}
	h.n.Store(last)
	return h
}

// Next reserves and returns the next sequence number.
func (h *SequenceHolder) Next() uint64 {
	return h.n.Add(1)
}

// Current returns the most recently handed-out number.
func (h *SequenceHolder) Current() uint64 {
	return h.n.Load()
}
