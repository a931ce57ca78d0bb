// Package cache is process-local key/value storage with per-key expiry.
// No locks on read path; concurrent recompute of same key collapses in Loader.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/meterhub/helpers/atomic_clock"
	"golang.org/x/sync/singleflight"
)

// Cache is what handlers depend on.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	InvalidatePrefix(prefix string) int
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
}

type entry struct {
	value   interface{}
	expires int64 // unix nano
}

type TTL struct {
	name string
	ttl  time.Duration
	m    sync.Map // string -> *entry
	now  func() int64

	hits      uint64
	misses    uint64
	evictions uint64
}

var _ Cache = &TTL{}

func NewTTL(name string, ttl time.Duration) *TTL {
	return &TTL{name: name, ttl: ttl, now: atomic_clock.Source}
}

func (self *TTL) Name() string { return self.name }

// SetClock replaces time source, unix nanoseconds.
func (self *TTL) SetClock(f func() int64) { self.now = f }

func (self *TTL) Get(key string) (interface{}, bool) {
	if x, ok := self.m.Load(key); ok {
		e := x.(*entry)
		if self.now() < e.expires {
			atomic.AddUint64(&self.hits, 1)
			return e.value, true
		}
		// only delete the entry we saw expired, a fresh Set may have raced
		if self.m.CompareAndDelete(key, e) {
			atomic.AddUint64(&self.evictions, 1)
		}
	}
	atomic.AddUint64(&self.misses, 1)
	return nil, false
}

func (self *TTL) Set(key string, value interface{}) { self.SetTTL(key, value, self.ttl) }

func (self *TTL) SetTTL(key string, value interface{}, ttl time.Duration) {
	self.m.Store(key, &entry{value: value, expires: self.now() + int64(ttl)})
}

func (self *TTL) Delete(key string) { self.m.Delete(key) }

func (self *TTL) InvalidatePrefix(prefix string) int {
	n := 0
	self.m.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), prefix) {
			self.m.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Sweep drops expired entries, returns count.
func (self *TTL) Sweep() int {
	now := self.now()
	n := 0
	self.m.Range(func(k, x interface{}) bool {
		e := x.(*entry)
		if now >= e.expires && self.m.CompareAndDelete(k, e) {
			n++
		}
		return true
	})
	atomic.AddUint64(&self.evictions, uint64(n))
	return n
}

func (self *TTL) Len() int {
	n := 0
	self.m.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

func (self *TTL) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadUint64(&self.hits),
		Misses:    atomic.LoadUint64(&self.misses),
		Evictions: atomic.LoadUint64(&self.evictions),
		Len:       self.Len(),
	}
}

// RunSweep calls Sweep every interval until a is stopped.
// Caller must a.Add(1) before.
func (self *TTL) RunSweep(a *alive.Alive, interval time.Duration) {
	defer a.Done()
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case <-tmr.C:
			self.Sweep()
		case <-a.StopChan():
			return
		}
	}
}

// Loader collapses concurrent misses of the same key into one load call.
// Failed loads are not cached.
type Loader struct {
	c  Cache
	sf singleflight.Group
}

func NewLoader(c Cache) *Loader { return &Loader{c: c} }

func (self *Loader) Cache() Cache { return self.c }

func (self *Loader) Load(key string, load func() (interface{}, error)) (interface{}, error) {
	if v, ok := self.c.Get(key); ok {
		return v, nil
	}
	v, err, _ := self.sf.Do(key, func() (interface{}, error) {
		if v, ok := self.c.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		self.c.Set(key, v)
		return v, nil
	})
	return v, err
}
