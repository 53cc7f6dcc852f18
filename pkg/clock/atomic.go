package clock

import "sync/atomic"

// Sequence hands out journal sequence numbers. Recover it with Observe while
// replaying so new numbers continue after the highest one seen.
type Sequence struct {
	v atomic.Uint64
}

func NewSequence(init uint64) *Sequence {
	var s Sequence
	s.v.Store(init)
	return &s
}

func (s *Sequence) Last() uint64 {
	return s.v.Load()
}

func (s *Sequence) Next() uint64 {
	return s.v.Add(1)
}

// Observe raises the sequence to seen if it is behind.
func (s *Sequence) Observe(seen uint64) {
	for {
		cur := s.v.Load()
		if seen <= cur || s.v.CompareAndSwap(cur, seen) {
			return
		}
	}
}
