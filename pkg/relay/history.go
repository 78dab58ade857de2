package relay

// History keeps the most recent output of a session, so that it can be
// replayed to subscribers that attach later. Its size never exceeds its
// limit.
type History struct {
	limit  int
	size   int
	chunks [][]byte
}

// NewHistory returns a history that holds at most `limit` bytes.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append records a chunk of output. The oldest chunks are evicted while the
// history is over its limit. If the newest chunk alone is over the limit,
// only its tail is kept.
func (h *History) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	h.chunks = append(h.chunks, append([]byte(nil), chunk...))
	h.size += len(chunk)

	for h.size > h.limit && len(h.chunks) > 1 {
		h.size -= len(h.chunks[0])
		h.chunks[0] = nil
		h.chunks = h.chunks[1:]
	}

	if h.size > h.limit {
		last := h.chunks[0]
		h.chunks[0] = last[len(last)-h.limit:]
		h.size = h.limit
	}
}

// Bytes returns the recorded output.
func (h *History) Bytes() []byte {
	out := make([]byte, 0, h.size)
	for _, chunk := range h.chunks {
		out = append(out, chunk...)
	}
	return out
}

// Len returns the number of recorded bytes.
func (h *History) Len() int {
	return h.size
}
