package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stop: func() bool { return false }}
	}
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.addLocked(w)
	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		w.stopped = true
		c.mu.Unlock()
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is reached. Ticker sends that would block are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			keep = append(keep, w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = keep
	return due
}

// WaitForTimers blocks until at least n waiters are pending. Use it to
// make sure a goroutine has registered its timer before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// Pending returns the number of active waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
