package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/meterhub/helpers/atomic_clock"
)

// Backoff is limited exponential retry delay.
// Delay before first attempt is 0, each Failure multiplies next delay by K
// within [Min, Max]. Time passed since last Failure is subtracted.
type Backoff struct {
	next int64 // atomic, nanoseconds, 0 = no failures yet
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // rounding for nice logs, default 1ms
}

// DelayAfter records outcome of attempt and returns delay before next one.
//
//	for {
//	  err := op()
//	  time.Sleep(backoff.DelayAfter(err == nil))
//	}
func (self *Backoff) DelayAfter(success bool) time.Duration {
	self.Update(success)
	return self.DelayBefore()
}

// DelayBefore returns remaining delay before next attempt.
//
//	for {
//	  time.Sleep(backoff.DelayBefore())
//	  backoff.Update(op() == nil)
//	}
func (self *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&self.next))
	if next == 0 {
		return 0
	}
	delay := self.limit(next)
	if since := atomic_clock.Since(&self.last); since < delay {
		return self.round(delay - since)
	}
	return 0
}

func (self *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&self.next))
	if next == 0 {
		next = self.Min
	} else {
		next = time.Duration(float32(next) * self.K)
	}
	self.last.SetNow()
	atomic.StoreInt64(&self.next, int64(self.limit(next)))
}

func (self *Backoff) Reset() {
	self.last.SetNow()
	atomic.StoreInt64(&self.next, 0)
}

func (self *Backoff) Update(success bool) {
	if success {
		self.Reset()
	} else {
		self.Failure()
	}
}

func (self *Backoff) limit(d time.Duration) time.Duration {
	if d < self.Min {
		d = self.Min
	}
	if d > self.Max {
		d = self.Max
	}
	return self.round(d)
}

func (self *Backoff) round(d time.Duration) time.Duration {
	res := self.Res
	if res == 0 {
		res = time.Millisecond
	}
	return d / res * res
}
