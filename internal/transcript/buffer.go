package transcript

import "sync"

const DefaultCapacity = 200

// Buffer keeps the most recent entries in arrival order. Once full, the
// oldest entry is evicted for each new one.
type Buffer struct {
	mu      sync.RWMutex
	cap     int
	entries []Entry
	seq     uint64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{cap: capacity, entries: make([]Entry, 0, capacity)}
}

// Append assigns the next sequence number and stores e.
func (b *Buffer) Append(e Entry) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	if len(b.entries) == b.cap {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = e
	} else {
		b.entries = append(b.entries, e)
	}
	return e
}

// Snapshot returns a copy of the buffered entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Last returns up to n of the newest entries, oldest first.
func (b *Buffer) Last(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]Entry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
