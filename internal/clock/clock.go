// Package clock issues strictly ordered logical timestamps. Entity mutations
// frequently land faster than wall-clock resolution, so every timestamp pairs
// the millisecond with an intra-millisecond counter.
package clock

import (
	"sync"
	"time"
)

type Timestamp struct {
	LastModified int64 `json:"lastModified"`
	Faddishness  int   `json:"faddishness"`
}

var Zero Timestamp

// IsOlder reports whether a precedes b in the total order over timestamps:
// primarily by LastModified, ties broken by Faddishness.
func IsOlder(a, b Timestamp) bool {
	if a.LastModified != b.LastModified {
		return a.LastModified < b.LastModified
	}
	return a.Faddishness < b.Faddishness
}

type Clock struct {
	mu        sync.Mutex
	highWater int64
	counter   int
}

func New() *Clock {
	return &Clock{}
}

// Next returns a timestamp strictly newer than every timestamp previously
// issued by this clock. If the wall clock moves backward, Next keeps issuing
// the stored millisecond with an advancing counter until it catches up.
func (c *Clock) Next(nowMs int64) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nowMs > c.highWater {
		c.highWater = nowMs
		c.counter = 0
	}
	ts := Timestamp{LastModified: c.highWater, Faddishness: c.counter}
	c.counter++
	return ts
}

// Now is Next fed from the system clock.
func (c *Clock) Now() Timestamp {
	return c.Next(time.Now().UnixMilli())
}
