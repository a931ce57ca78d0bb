package helpers

import "sync"

// Future is one-shot result slot. Complete and Cancel race, first call wins.
// Channels allow waiting on result in custom select statement.
type Future struct {
	mu        sync.Mutex
	result    interface{}
	settled   bool
	completed chan struct{}
	cancelled chan struct{}
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (self *Future) Completed() <-chan struct{} { return self.completed }
func (self *Future) Cancelled() <-chan struct{} { return self.cancelled }

// Complete returns false if future was already settled.
func (self *Future) Complete(result interface{}) bool { return self.settle(result, self.completed) }

// Cancel returns false if future was already settled.
func (self *Future) Cancel(result interface{}) bool { return self.settle(result, self.cancelled) }

func (self *Future) settle(result interface{}, ch chan struct{}) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.settled {
		return false
	}
	self.result, self.settled = result, true
	close(ch)
	return true
}

func (self *Future) Result() interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.result
}
