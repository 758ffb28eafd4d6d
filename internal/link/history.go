package link

// DefaultHistorySize is the number of readings retained per sensor.
const DefaultHistorySize = 100

// History is a fixed-capacity ring buffer of readings. When full, the
// oldest reading is evicted.
type History struct {
	vals []float32
	head int // index of the oldest element
	n    int
}

// NewHistory returns a ring buffer holding up to capacity readings.
// A non-positive capacity falls back to DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{vals: make([]float32, capacity)}
}

// Push appends v, evicting the oldest reading if the buffer is full.
func (h *History) Push(v float32) {
	if h.n < len(h.vals) {
		h.vals[(h.head+h.n)%len(h.vals)] = v
		h.n++
		return
	}
	h.vals[h.head] = v
	h.head = (h.head + 1) % len(h.vals)
}

// Last returns the most recent reading, if any.
func (h *History) Last() (float32, bool) {
	if h.n == 0 {
		return 0, false
	}
	return h.vals[(h.head+h.n-1)%len(h.vals)], true
}

// Len returns the number of retained readings.
func (h *History) Len() int {
	return h.n
}

// Cap returns the buffer capacity.
func (h *History) Cap() int {
	return len(h.vals)
}

// Snapshot returns the retained readings oldest first.
func (h *History) Snapshot() []float32 {
	out := make([]float32, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.vals[(h.head+i)%len(h.vals)]
	}
	return out
}
