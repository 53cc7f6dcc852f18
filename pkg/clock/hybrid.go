package clock

import (
	"fmt"
	"sync"
	"time"
)

const logicalBits = 12

// HybridTime packs physical microseconds and a logical counter into one
// value. Ordering of HybridTime values follows causality for events that
// passed through the same clock.
type HybridTime uint64

func NewHybridTime(physical time.Time, logical uint64) HybridTime {
	return HybridTime(uint64(physical.UnixMicro())<<logicalBits | logical&(1<<logicalBits-1))
}

func (ht HybridTime) PhysicalMicros() uint64 { return uint64(ht) >> logicalBits }
func (ht HybridTime) Logical() uint64        { return uint64(ht) & (1<<logicalBits - 1) }

func (ht HybridTime) Time() time.Time {
	return time.UnixMicro(int64(ht.PhysicalMicros()))
}

// Key renders ht as fixed width hex, so lexical order equals numeric order.
func (ht HybridTime) Key() string {
	return fmt.Sprintf("%016x", uint64(ht))
}

func (ht HybridTime) String() string {
	return fmt.Sprintf("{ physical: %d logical: %d }", ht.PhysicalMicros(), ht.Logical())
}

// HybridClock is a hybrid logical clock. Now never returns the same value twice.
type HybridClock struct {
	mu   sync.Mutex
	last HybridTime
	wall func() time.Time
}

func NewHybridClock() *HybridClock {
	return &HybridClock{wall: time.Now}
}

// NewHybridClockWithWall is used by tests to pin the physical component.
func NewHybridClockWithWall(wall func() time.Time) *HybridClock {
	return &HybridClock{wall: wall}
}

func (c *HybridClock) Now() HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := NewHybridTime(c.wall(), 0)
	if phys > c.last {
		c.last = phys
	} else {
		c.last++
	}
	return c.last
}

// Update moves the clock forward after observing a remote timestamp.
func (c *HybridClock) Update(seen HybridTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen > c.last {
		c.last = seen
	}
}
