// Package atomic_clock keeps wall clock timestamps in atomic int64.
// Use for idle and age accounting shared between goroutines without lock.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

// Clock zero value means "never".
type Clock struct{ v int64 }

var source = func() int64 { return time.Now().UnixNano() }

func New(v int64) *Clock { return &Clock{v: v} }
func Now() *Clock        { return New(source()) }

func (self *Clock) IsZero() bool    { return atomic.LoadInt64(&self.v) == 0 }
func (self *Clock) UnixNano() int64 { return atomic.LoadInt64(&self.v) }

// Time returns zero time.Time for zero Clock.
func (self *Clock) Time() time.Time {
	if v := self.UnixNano(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

func (self *Clock) SetTime(t time.Time) { atomic.StoreInt64(&self.v, t.UnixNano()) }
func (self *Clock) SetNow()             { atomic.StoreInt64(&self.v, source()) }

// SetNowIfZero returns true if clock was set by this call.
func (self *Clock) SetNowIfZero() bool { return atomic.CompareAndSwapInt64(&self.v, 0, source()) }

// Older reports whether clock was set before now-age. Zero clock is never older.
func (self *Clock) Older(now time.Time, age time.Duration) bool {
	v := self.UnixNano()
	return v != 0 && v <= now.Add(-age).UnixNano()
}

func Since(begin *Clock) time.Duration { return time.Duration(source() - begin.UnixNano()) }
func Source() int64                    { return source() }
