package game

// HistoryCapacity is the number of snapshots retained per session.
const HistoryCapacity = 60

// History is a fixed-capacity ring buffer of snapshots, evicting the oldest
// snapshot first once full. It is not safe for concurrent use; the owning
// session registry serializes access.
type History struct {
	buf   []Snapshot
	start int
	count int
}

// NewHistory returns a history ring with the default capacity.
func NewHistory() *History {
	return &History{
		buf: make([]Snapshot, HistoryCapacity),
	}
}

// Push appends a snapshot, evicting the oldest when the ring is full.
func (h *History) Push(snap Snapshot) {
	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = snap
		h.count++
		return
	}
	h.buf[h.start] = snap
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained snapshots.
func (h *History) Len() int {
	return h.count
}

// Recent returns up to n snapshots, newest last.
func (h *History) Recent(n int) []Snapshot {
	if n > h.count {
		n = h.count
	}
	out := make([]Snapshot, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}
