package audio

// ring is a growable FIFO of mono samples. Push appends at the tail and Pop
// slices from the head; the backing array doubles when full.
type ring struct {
	buf  []int16
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]int16, capacity)}
}

func (r *ring) Len() int { return r.size }

func (r *ring) Push(samples []int16) {
	if need := r.size + len(samples); need > len(r.buf) {
		r.grow(need)
	}
	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], samples)
	if n < len(samples) {
		copy(r.buf, samples[n:])
	}
	r.size += len(samples)
}

// Pop removes and returns the first n samples. It returns nil when fewer
// than n samples are buffered.
func (r *ring) Pop(n int) []int16 {
	if n <= 0 || n > r.size {
		return nil
	}
	out := make([]int16, n)
	c := copy(out, r.buf[r.head:min(r.head+n, len(r.buf))])
	if c < n {
		copy(out[c:], r.buf[:n-c])
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return out
}

func (r *ring) Reset() {
	r.head = 0
	r.size = 0
}

func (r *ring) grow(need int) {
	next := len(r.buf) * 2
	for next < need {
		next *= 2
	}
	buf := make([]int16, next)
	c := copy(buf, r.buf[r.head:min(r.head+r.size, len(r.buf))])
	if c < r.size {
		copy(buf[c:], r.buf[:r.size-c])
	}
	r.buf = buf
	r.head = 0
}
