package btcturk

import (
	"sync"
	"time"
)

// ClockSync tracks the offset against venue time and issues request stamps.
// Stamps never decrease within a process even if the offset shrinks between
// calls.
type ClockSync struct {
	mu             sync.Mutex
	offsetMS       int64
	maxAbsOffsetMS int64
	lastStamp      int64
}

// NewClockSync creates a clock sync service. maxAbsOffsetMS clamps the
// applied offset; a venue clock that disagrees more than that is followed
// only up to that bound.
func NewClockSync(maxAbsOffsetMS int64) *ClockSync {
	if maxAbsOffsetMS <= 0 {
		maxAbsOffsetMS = 2000
	}
	return &ClockSync{maxAbsOffsetMS: maxAbsOffsetMS}
}

// Stamp returns the next request timestamp in milliseconds.
func (c *ClockSync) Stamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := time.Now().UnixMilli() + c.offsetMS
	if stamp <= c.lastStamp {
		stamp = c.lastStamp + 1
	}
	c.lastStamp = stamp
	return stamp
}

// Update records a fresh venue server time observation.
func (c *ClockSync) Update(serverTimeMS int64) {
	offset := serverTimeMS - time.Now().UnixMilli()
	if offset > c.maxAbsOffsetMS {
		offset = c.maxAbsOffsetMS
	} else if offset < -c.maxAbsOffsetMS {
		offset = -c.maxAbsOffsetMS
	}

	c.mu.Lock()
	c.offsetMS = offset
	c.mu.Unlock()
}

// OffsetMS returns the currently applied offset.
func (c *ClockSync) OffsetMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMS
}
