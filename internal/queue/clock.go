package queue

import (
	"sync"
	"time"
)

// clock turns a wall-clock source into non-decreasing epoch milliseconds.
type clock struct {
	mu    sync.Mutex
	nowFn func() time.Time
	last  int64
}

func newClock(now func() time.Time) *clock {
	if now == nil {
		now = time.Now
	}
	return &clock{nowFn: now}
}

func (c *clock) setNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = now
}

func (c *clock) nowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.nowFn().UnixMilli()
	if ms < c.last {
		return c.last
	}
	c.last = ms
	return ms
}

// EpochMs converts t to the engine's time unit.
func EpochMs(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeFromEpochMs is the inverse of EpochMs.
func TimeFromEpochMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
