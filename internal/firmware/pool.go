package firmware

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/log2"
)

const DefaultIdleClose = 30 * time.Second

// Pool shares open files between concurrent readers.
// Handle is closed by sweep when nobody holds it for idle duration.
type Pool struct {
	src   Source
	idle  time.Duration
	log   *log2.Log
	alive *alive.Alive

	mu sync.Mutex
	m  map[string]*handle
}

type handle struct {
	f        File
	refs     int
	lastUsed time.Time
	evicted  bool // closed by last release
}

func NewPool(src Source, idle time.Duration, log *log2.Log) *Pool {
	if idle <= 0 {
		idle = DefaultIdleClose
	}
	p := &Pool{
		src:   src,
		idle:  idle,
		log:   log,
		alive: alive.NewAlive(),
		m:     make(map[string]*handle),
	}
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	p.alive.Add(1)
	go p.sweepLoop(interval)
	return p
}

func (self *Pool) Source() Source { return self.src }

// Acquire returns shared file. Caller must call release exactly once.
func (self *Pool) Acquire(ctx context.Context, name string) (File, func(), error) {
	if !self.alive.IsRunning() {
		return nil, nil, errors.Errorf("firmware pool closed")
	}
	var h *handle
	helpers.WithLock(&self.mu, func() {
		if h = self.m[name]; h != nil {
			h.refs++
		}
	})
	if h == nil {
		f, err := self.src.Open(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		helpers.WithLock(&self.mu, func() {
			if h = self.m[name]; h != nil {
				// lost race with concurrent open
				_ = f.Close()
			} else {
				h = &handle{f: f}
				self.m[name] = h
			}
			h.refs++
		})
	}
	release := func() {
		closeNow := false
		helpers.WithLock(&self.mu, func() {
			h.refs--
			h.lastUsed = time.Now()
			closeNow = h.evicted && h.refs == 0
		})
		if closeNow {
			self.closeHandle(name, h)
		}
	}
	return h.f, release, nil
}

// Evict drops handle after read error, next Acquire opens file again.
// Current holders keep using it until release.
func (self *Pool) Evict(name string) {
	var h *handle
	closeNow := false
	helpers.WithLock(&self.mu, func() {
		if h = self.m[name]; h == nil {
			return
		}
		delete(self.m, name)
		h.evicted = true
		closeNow = h.refs == 0
	})
	if h != nil {
		self.log.Debugf("firmware pool evict name=%s", name)
	}
	if closeNow {
		self.closeHandle(name, h)
	}
}

func (self *Pool) closeHandle(name string, h *handle) {
	if err := h.f.Close(); err != nil {
		self.log.Errorf("firmware pool close name=%s err=%v", name, err)
	}
}

// Sweep closes handles idle for at least idle duration, returns count.
func (self *Pool) Sweep(now time.Time) int {
	var closing []File
	helpers.WithLock(&self.mu, func() {
		for name, h := range self.m {
			if h.refs == 0 && now.Sub(h.lastUsed) >= self.idle {
				closing = append(closing, h.f)
				delete(self.m, name)
			}
		}
	})
	for _, f := range closing {
		if err := f.Close(); err != nil {
			self.log.Errorf("firmware pool close err=%v", err)
		}
	}
	return len(closing)
}

func (self *Pool) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.m)
}

func (self *Pool) sweepLoop(interval time.Duration) {
	defer self.alive.Done()
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case now := <-tmr.C:
			if n := self.Sweep(now); n != 0 {
				self.log.Debugf("firmware pool closed idle=%d", n)
			}
		case <-self.alive.StopChan():
			return
		}
	}
}

// Close stops sweeper and closes all handles, including held ones.
func (self *Pool) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	var errs []error
	helpers.WithLock(&self.mu, func() {
		for name, h := range self.m {
			if err := h.f.Close(); err != nil {
				errs = append(errs, errors.Annotatef(err, "close %s", name))
			}
			delete(self.m, name)
		}
	})
	return helpers.FoldErrors(errs)
}
