package stability

// Window is a bounded FIFO of observations backed by a ring buffer. The buffer
// grows with the observations up to the capacity; once full, pushing evicts the
// oldest observation.
type Window struct {
	buf      []Label
	capacity int
	// start is the index of the oldest observation; it stays 0 until the
	// buffer is full.
	start int
}

// NewWindow creates an empty window. Capacities below 1 are raised to 1.
func NewWindow(capacity int) *Window {
	return &Window{capacity: clampMin1(capacity)}
}

// Cap returns the configured capacity.
func (w *Window) Cap() int {
	return w.capacity
}

// Len returns the number of observations currently held.
func (w *Window) Len() int {
	return len(w.buf)
}

// Push appends an observation, evicting the oldest one if the window is full.
func (w *Window) Push(l Label) {
	if len(w.buf) < w.capacity {
		w.buf = append(w.buf, l)
		return
	}
	w.buf[w.start] = l
	w.start = (w.start + 1) % len(w.buf)
}

// Resize changes the capacity, keeping the most recent min(Len, capacity)
// observations in order.
func (w *Window) Resize(capacity int) {
	capacity = clampMin1(capacity)
	if capacity == w.capacity {
		return
	}
	values := w.Values()
	if len(values) > capacity {
		values = values[len(values)-capacity:]
	}
	w.buf = values
	w.capacity = capacity
	w.start = 0
}

// Values returns a copy of the observations, oldest first.
func (w *Window) Values() []Label {
	out := make([]Label, len(w.buf))
	for i := range out {
		out[i] = w.at(i)
	}
	return out
}

func (w *Window) at(i int) Label {
	return w.buf[(w.start+i)%len(w.buf)]
}

// plurality counts the observations and returns the most frequent one. Ties go
// to the label whose first occurrence is the oldest in the window.
func (w *Window) plurality() (Label, int) {
	counts := make(map[Label]int, len(w.buf))
	order := make([]Label, 0, len(w.buf))
	for i := range w.buf {
		l := w.at(i)
		if counts[l] == 0 {
			order = append(order, l)
		}
		counts[l]++
	}

	var (
		winner Label
		best   int
	)
	for _, l := range order {
		if c := counts[l]; c > best {
			winner, best = l, c
		}
	}
	return winner, best
}

func clampMin1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
