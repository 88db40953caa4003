package room

// history is a bounded, append-only ring. Once full, each append evicts the
// oldest entry; retained entries keep their order and are never modified.
type history[T any] struct {
	items []T
	start int
	size  int
}

func newHistory[T any](limit int) *history[T] {
	if limit < 1 {
		limit = 1
	}
	return &history[T]{items: make([]T, limit)}
}

func (h *history[T]) append(item T) {
	if h.size < len(h.items) {
		h.items[(h.start+h.size)%len(h.items)] = item
		h.size++
		return
	}
	h.items[h.start] = item
	h.start = (h.start + 1) % len(h.items)
}

// list returns the retained entries, oldest first, in a fresh slice.
func (h *history[T]) list() []T {
	out := make([]T, h.size)
	for i := range h.size {
		out[i] = h.items[(h.start+i)%len(h.items)]
	}
	return out
}

func (h *history[T]) len() int {
	return h.size
}
