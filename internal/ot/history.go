package ot

import "github.com/roach88/ofrenda/internal/ir"

// history is a fixed-capacity ring buffer of operations in insertion order.
//
// Positions are absolute sequence numbers: the entry with sequence s lives in
// slot s % cap. start is the sequence of the oldest live entry and next the
// sequence the next insert receives, so len == next - start.
//
// Not safe for concurrent use; the Resolver serializes access.
type history struct {
	buf   []ir.Operation
	start uint64
	next  uint64
	index map[string]uint64 // op id -> sequence
}

func newHistory(capacity int) *history {
	if capacity < 1 {
		capacity = 1
	}
	return &history{
		buf:   make([]ir.Operation, capacity),
		index: make(map[string]uint64, capacity),
	}
}

func (h *history) cap() int { return len(h.buf) }

func (h *history) len() int { return int(h.next - h.start) }

func (h *history) slot(seq uint64) int { return int(seq % uint64(len(h.buf))) }

// add appends op, evicting the oldest entry when full. It returns false if an
// operation with the same id is already present, and reports whether an
// eviction happened.
func (h *history) add(op ir.Operation) (added, evicted bool) {
	if _, ok := h.index[op.ID]; ok {
		return false, false
	}
	if h.len() == h.cap() {
		h.evictOldest()
		evicted = true
	}
	h.buf[h.slot(h.next)] = op
	h.index[op.ID] = h.next
	h.next++
	return true, evicted
}

func (h *history) evictOldest() {
	i := h.slot(h.start)
	delete(h.index, h.buf[i].ID)
	h.buf[i] = ir.Operation{}
	h.start++
}

func (h *history) get(id string) (ir.Operation, bool) {
	seq, ok := h.index[id]
	if !ok {
		return ir.Operation{}, false
	}
	return h.buf[h.slot(seq)], true
}

// replace overwrites an existing entry in place, keeping its age.
func (h *history) replace(op ir.Operation) bool {
	seq, ok := h.index[op.ID]
	if !ok {
		return false
	}
	h.buf[h.slot(seq)] = op
	return true
}

// each visits live entries oldest first until fn returns false.
func (h *history) each(fn func(ir.Operation) bool) {
	for seq := h.start; seq < h.next; seq++ {
		if !fn(h.buf[h.slot(seq)]) {
			return
		}
	}
}

// removeOlderThan drops every entry with Timestamp < ts and compacts the
// survivors, preserving their order. Returns the number removed.
func (h *history) removeOlderThan(ts int64) int {
	var keep []ir.Operation
	h.each(func(op ir.Operation) bool {
		if op.Timestamp >= ts {
			keep = append(keep, op)
		}
		return true
	})
	removed := h.len() - len(keep)
	if removed == 0 {
		return 0
	}

	for i := range h.buf {
		h.buf[i] = ir.Operation{}
	}
	clear(h.index)
	h.start, h.next = 0, 0
	for _, op := range keep {
		h.add(op)
	}
	return removed
}
