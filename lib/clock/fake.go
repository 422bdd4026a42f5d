// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// NewFake returns a FakeClock frozen at start. Time moves only through
// Advance or AdvanceTo; every timed operation registers a scheduled
// event that fires when the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func NewFake(start time.Time) *FakeClock {
	f := &FakeClock{now: start}
	f.scheduled = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests. Events fire in
// deadline order; events sharing a deadline fire in registration
// order. AfterFunc callbacks run synchronously inside Advance, so a
// callback must not call Advance or Sleep on the same clock.
type FakeClock struct {
	mu        sync.Mutex
	now       time.Time
	events    eventHeap
	seq       uint64
	scheduled *sync.Cond
}

// event is one scheduled firing: a timer channel send, a callback, or
// a ticker tick (period > 0 reschedules after firing).
type event struct {
	at       time.Time
	seq      uint64
	ch       chan time.Time
	fn       func()
	period   time.Duration
	disarmed bool
	done     bool
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t.
func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// schedule registers an event at now+d and wakes BlockUntil waiters.
// Caller must hold f.mu.
func (f *FakeClock) schedule(e *event, d time.Duration) {
	e.at = f.now.Add(d)
	e.seq = f.seq
	f.seq++
	heap.Push(&f.events, e)
	f.scheduled.Broadcast()
}

// After returns a channel that receives once d has elapsed on the fake
// clock. A non-positive d delivers immediately without scheduling.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.schedule(&event{ch: ch}, d)
	return ch
}

// AfterFunc schedules f to run once d has elapsed. With d <= 0 the
// callback runs before AfterFunc returns.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	f.mu.Lock()
	e := &event{fn: fn}
	f.schedule(e, d)
	f.mu.Unlock()

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if e.disarmed || e.done {
				return false
			}
			e.disarmed = true
			return true
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !e.disarmed && !e.done
			inHeap := !e.done
			e.disarmed = false
			e.done = false
			if inHeap {
				e.at = f.now.Add(d)
				heap.Init(&f.events)
			} else {
				f.schedule(e, d)
			}
			return active
		},
	}
}

// NewTicker returns a Ticker firing every d fake-clock units. Panics
// if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	ch := make(chan time.Time, 1)
	e := &event{ch: ch, period: d}
	f.schedule(e, d)
	f.mu.Unlock()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			e.disarmed = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			e.disarmed = false
			e.period = d
			if e.done {
				e.done = false
				f.schedule(e, d)
			} else {
				e.at = f.now.Add(d)
				heap.Init(&f.events)
			}
		},
	}
}

// Sleep blocks until the clock advances past now+d.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d, firing every event whose
// deadline falls within the new time, in deadline order. Channel
// deliveries are non-blocking (full buffers drop the tick, matching
// time.Ticker); callbacks run synchronously in the caller.
func (f *FakeClock) Advance(d time.Duration) {
	f.AdvanceTo(f.Now().Add(d))
}

// AdvanceTo moves the clock to t, firing intervening events. Moving
// backwards is a no-op for event firing; the clock still jumps.
func (f *FakeClock) AdvanceTo(t time.Time) {
	f.mu.Lock()
	f.now = t

	for {
		e := f.nextDueLocked(t)
		if e == nil {
			break
		}
		fireAt := e.at
		if e.period > 0 {
			e.at = fireAt.Add(e.period)
			heap.Push(&f.events, e)
		} else {
			e.done = true
		}

		if e.fn != nil {
			// Run callbacks without the lock so they may register
			// new timers.
			f.mu.Unlock()
			e.fn()
			f.mu.Lock()
			continue
		}
		select {
		case e.ch <- fireAt:
		default:
		}
	}
	f.mu.Unlock()
}

// nextDueLocked pops the earliest live event due at or before t, or
// returns nil. Disarmed events are discarded as they surface.
func (f *FakeClock) nextDueLocked(t time.Time) *event {
	for f.events.Len() > 0 {
		e := f.events[0]
		if e.at.After(t) {
			return nil
		}
		heap.Pop(&f.events)
		if e.disarmed {
			// Lazily dropped; done marks it out of the heap so a
			// later Reset knows to re-push.
			e.done = true
			continue
		}
		return e
	}
	return nil
}

// BlockUntil waits until at least n events are scheduled and live.
// It removes the race between a goroutine arming a timer and the test
// advancing the clock:
//
//	go worker(fake)          // worker arms a retry timer
//	fake.BlockUntil(1)       // wait for the timer to exist
//	fake.Advance(time.Minute)
func (f *FakeClock) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.liveLocked() < n {
		f.scheduled.Wait()
	}
}

// Pending returns the number of live scheduled events.
func (f *FakeClock) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveLocked()
}

func (f *FakeClock) liveLocked() int {
	count := 0
	for _, e := range f.events {
		if !e.disarmed {
			count++
		}
	}
	return count
}
