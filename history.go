package collabkit

// historyRing is the bounded per-document operation history. When full,
// appending evicts the oldest entry; a separate total counter survives
// eviction for statistics.
type historyRing struct {
	buf   []Operation
	next  int
	size  int
	total uint64
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &historyRing{buf: make([]Operation, capacity)}
}

func (h *historyRing) Append(op Operation) {
	h.buf[h.next] = op
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.total++
}

// Recent returns up to n entries, newest first.
func (h *historyRing) Recent(n int) []Operation {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Operation, 0, n)
	idx := h.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(h.buf) - 1
		}
		out = append(out, h.buf[idx])
	}
	return out
}

func (h *historyRing) Len() int { return h.size }

// Total counts every operation ever appended, including evicted ones.
func (h *historyRing) Total() uint64 { return h.total }
