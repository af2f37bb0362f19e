package scoring

import "sync"

// DefaultHistorySize is the number of recent partners remembered per
// participant.
const DefaultHistorySize = 10

// History remembers each participant's last N partners so they are not
// immediately paired again. It is goroutine-safe and uses a ring buffer per
// participant.
type History struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring // participant id -> recent partners
}

// ring is a fixed-size circular buffer of partner ids.
type ring struct {
	items []string
	pos   int
	count int
}

// NewHistory creates an empty History holding size partners per participant.
// A size of zero disables the history.
func NewHistory(size int) *History {
	if size < 0 {
		size = 0
	}
	return &History{
		size:  size,
		rings: make(map[string]*ring),
	}
}

// Record pushes a into b's history and b into a's.
func (h *History) Record(a, b string) {
	if h.size == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.push(a, b)
	h.push(b, a)
}

func (h *History) push(owner, partner string) {
	r, ok := h.rings[owner]
	if !ok {
		r = &ring{items: make([]string, h.size)}
		h.rings[owner] = r
	}

	r.items[r.pos] = partner
	r.pos = (r.pos + 1) % h.size
	if r.count < h.size {
		r.count++
	}
}

// Contains reports whether partner is within owner's recent history.
func (h *History) Contains(owner, partner string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rings[owner]
	if !ok {
		return false
	}
	for i := 0; i < r.count; i++ {
		if r.items[i] == partner {
			return true
		}
	}
	return false
}

// Recent returns owner's recent partners oldest first.
func (h *History) Recent(owner string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rings[owner]
	if !ok {
		return []string{}
	}

	out := make([]string, r.count)
	start := (r.pos - r.count + h.size) % h.size
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(start+i)%h.size]
	}
	return out
}

// Forget drops owner's history (called when the participant disconnects).
func (h *History) Forget(owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.rings, owner)
}
