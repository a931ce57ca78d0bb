package firmware

import (
	"sync"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/meterhub/helpers/atomic_clock"
)

const DefaultProgressIdle = 30 * time.Minute

// Progress remembers chunks received per (gateway, firmware).
// Ephemeral, process-local; entries idle longer than idle are purged.
type Progress struct {
	idle time.Duration
	m    sync.Map // key -> *progressEntry
}

type progressEntry struct {
	mu      sync.Mutex
	chunks  map[int64]struct{}
	started atomic_clock.Clock
	last    atomic_clock.Clock
}

type ProgressInfo struct {
	Received    int
	MaxChunk    int64
	StartedAt   time.Time
	LastChunkAt time.Time
}

func NewProgress(idle time.Duration) *Progress {
	if idle <= 0 {
		idle = DefaultProgressIdle
	}
	return &Progress{idle: idle}
}

func progressKey(eui, firmware string) string { return eui + "/" + firmware }

func (self *Progress) Record(eui, firmware string, chunk int64) {
	x, _ := self.m.LoadOrStore(progressKey(eui, firmware), &progressEntry{chunks: make(map[int64]struct{})})
	e := x.(*progressEntry)
	e.started.SetNowIfZero()
	e.last.SetNow()
	e.mu.Lock()
	e.chunks[chunk] = struct{}{}
	e.mu.Unlock()
}

func (self *Progress) Get(eui, firmware string) (ProgressInfo, bool) {
	x, ok := self.m.Load(progressKey(eui, firmware))
	if !ok {
		return ProgressInfo{}, false
	}
	e := x.(*progressEntry)
	info := ProgressInfo{
		StartedAt:   e.started.Time(),
		LastChunkAt: e.last.Time(),
		MaxChunk:    -1,
	}
	e.mu.Lock()
	info.Received = len(e.chunks)
	for c := range e.chunks {
		if c > info.MaxChunk {
			info.MaxChunk = c
		}
	}
	e.mu.Unlock()
	return info, true
}

func (self *Progress) Forget(eui, firmware string) { self.m.Delete(progressKey(eui, firmware)) }

// Purge drops entries without chunks since now-idle, returns count.
func (self *Progress) Purge(now time.Time) int {
	n := 0
	self.m.Range(func(k, x interface{}) bool {
		if x.(*progressEntry).last.Older(now, self.idle) {
			self.m.Delete(k)
			n++
		}
		return true
	})
	return n
}

func (self *Progress) Len() int {
	n := 0
	self.m.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// RunPurge calls Purge every interval until a is stopped.
// Caller must a.Add(1) before.
func (self *Progress) RunPurge(a *alive.Alive, interval time.Duration) {
	defer a.Done()
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case now := <-tmr.C:
			self.Purge(now)
		case <-a.StopChan():
			return
		}
	}
}
