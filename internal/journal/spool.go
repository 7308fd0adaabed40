package journal

import (
	"sync"

	"github.com/mgleason/proctor-stream/internal/model"
)

// Spool is a thread-safe event buffer that doubles its capacity when it
// reaches 70% full, so a slow database never blocks the read pump.
type Spool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []model.EventRecord
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	accepted int64
	drained  int64
	grows    int
}

// SpoolStats contains spool statistics.
type SpoolStats struct {
	Depth    int
	Capacity int
	Accepted int64
	Drained  int64
	Grows    int
}

// NewSpool creates a spool with the given initial capacity.
func NewSpool(initialCapacity int) *Spool {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	s := &Spool{
		buf:      make([]model.EventRecord, initialCapacity),
		capacity: initialCapacity,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Offer adds a record to the spool, growing it if at 70% capacity.
// Returns false if the spool is closed.
func (s *Spool) Offer(rec model.EventRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	threshold := (s.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if s.count+1 >= threshold {
		s.grow()
	}

	s.buf[s.tail] = rec
	s.tail = (s.tail + 1) % s.capacity
	s.count++
	s.accepted++

	s.cond.Signal()
	return true
}

// Next removes one record, blocking until one is available or the spool is
// closed. Returns false only when the spool is closed and empty.
func (s *Spool) Next() (model.EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.count == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.count == 0 {
		return model.EventRecord{}, false
	}
	return s.take(), true
}

// TryNext removes one record without blocking. Returns false when empty.
func (s *Spool) TryNext() (model.EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return model.EventRecord{}, false
	}
	return s.take(), true
}

// Drain removes up to max records in FIFO order. max <= 0 drains everything.
func (s *Spool) Drain(max int) []model.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	n := s.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]model.EventRecord, n)
	for i := 0; i < n; i++ {
		result[i] = s.take()
	}
	return result
}

// Close closes the spool. After closing, Offer returns false; records already
// spooled remain drainable.
func (s *Spool) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
}

// Len returns the current number of spooled records.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Cap returns the current capacity.
func (s *Spool) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Stats returns spool statistics.
func (s *Spool) Stats() SpoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SpoolStats{
		Depth:    s.count,
		Capacity: s.capacity,
		Accepted: s.accepted,
		Drained:  s.drained,
		Grows:    s.grows,
	}
}

// take removes the head record. Must be called with the lock held and
// count > 0.
func (s *Spool) take() model.EventRecord {
	rec := s.buf[s.head]
	s.buf[s.head] = model.EventRecord{} // clear for GC
	s.head = (s.head + 1) % s.capacity
	s.count--
	s.drained++
	return rec
}

// grow doubles the capacity. Must be called with the lock held.
func (s *Spool) grow() {
	newCapacity := s.capacity * 2
	newBuf := make([]model.EventRecord, newCapacity)

	if s.count > 0 {
		if s.head < s.tail {
			copy(newBuf, s.buf[s.head:s.tail])
		} else {
			n := copy(newBuf, s.buf[s.head:])
			copy(newBuf[n:], s.buf[:s.tail])
		}
	}

	s.buf = newBuf
	s.head = 0
	s.tail = s.count
	s.capacity = newCapacity
	s.grows++
}
