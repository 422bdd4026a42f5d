// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	fake := NewFake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now = %v, want %v", got, epoch)
	}
	fake.Advance(90 * time.Second)
	want := epoch.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Fatalf("Now after Advance = %v, want %v", got, want)
	}
	if got := fake.Since(epoch); got != 90*time.Second {
		t.Fatalf("Since(epoch) = %v, want 90s", got)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	fake := NewFake(epoch)
	ch := fake.After(3 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired a second early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case at := <-ch:
		if !at.Equal(epoch.Add(3 * time.Second)) {
			t.Fatalf("fire time = %v, want %v", at, epoch.Add(3*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := NewFake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not deliver immediately")
	}
	select {
	case <-fake.After(-time.Second):
	default:
		t.Fatal("After(-1s) did not deliver immediately")
	}
	if got := fake.Pending(); got != 0 {
		t.Fatalf("Pending = %d after immediate fires, want 0", got)
	}
}

func TestFakeDeadlineOrder(t *testing.T) {
	fake := NewFake(epoch)

	var order []int
	var mu sync.Mutex
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	fake.AfterFunc(3*time.Second, record(3))
	fake.AfterFunc(1*time.Second, record(1))
	fake.AfterFunc(2*time.Second, record(2))
	// Same deadline as the first: registration order breaks the tie.
	fake.AfterFunc(3*time.Second, record(4))

	fake.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("firing order = %v, want %v", order, want)
		}
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := NewFake(epoch)

	var fired atomic.Bool
	timer := fake.AfterFunc(time.Minute, func() { fired.Store(true) })

	if !timer.Stop() {
		t.Fatal("Stop on armed timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}

	fake.Advance(2 * time.Minute)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeAfterFuncResetAfterFire(t *testing.T) {
	fake := NewFake(epoch)

	var fires atomic.Int64
	timer := fake.AfterFunc(time.Second, func() { fires.Add(1) })

	fake.Advance(time.Second)
	if got := fires.Load(); got != 1 {
		t.Fatalf("fires = %d after first deadline, want 1", got)
	}

	if timer.Reset(time.Second) {
		t.Fatal("Reset on fired timer reported active")
	}
	fake.Advance(time.Second)
	if got := fires.Load(); got != 2 {
		t.Fatalf("fires = %d after re-arm, want 2", got)
	}
}

func TestFakeAfterFuncResetAfterStopAndDiscard(t *testing.T) {
	fake := NewFake(epoch)

	var fires atomic.Int64
	timer := fake.AfterFunc(time.Second, func() { fires.Add(1) })
	timer.Stop()

	// Advance past the original deadline so the clock discards the
	// stopped event, then re-arm.
	fake.Advance(2 * time.Second)
	timer.Reset(time.Second)
	fake.Advance(time.Second)

	if got := fires.Load(); got != 1 {
		t.Fatalf("fires = %d after discard+reset, want 1", got)
	}
}

func TestFakeTickerDeliversPerInterval(t *testing.T) {
	fake := NewFake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}

	// Spanning three intervals with a capacity-1 channel: extra
	// ticks drop rather than queue.
	fake.Advance(3 * time.Second)
	ticks := 0
	for {
		select {
		case <-ticker.C:
			ticks++
			continue
		default:
		}
		break
	}
	if ticks != 1 {
		t.Fatalf("buffered ticks = %d, want 1 (drop-if-full)", ticks)
	}
}

func TestFakeTickerStopAndReset(t *testing.T) {
	fake := NewFake(epoch)
	ticker := fake.NewTicker(time.Second)

	ticker.Stop()
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}

	ticker.Reset(2 * time.Second)
	fake.Advance(2 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("reset ticker did not tick")
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	fake := NewFake(epoch)

	done := make(chan struct{})
	go func() {
		fake.Sleep(10 * time.Second)
		close(done)
	}()

	fake.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	default:
	}

	fake.Advance(10 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakeBlockUntilCountsLiveEvents(t *testing.T) {
	fake := NewFake(epoch)

	fake.After(time.Second)
	timer := fake.AfterFunc(time.Minute, func() {})
	fake.BlockUntil(2)

	if got := fake.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
	timer.Stop()
	if got := fake.Pending(); got != 1 {
		t.Fatalf("Pending after Stop = %d, want 1", got)
	}
}

func TestFakeCallbackMayScheduleMore(t *testing.T) {
	fake := NewFake(epoch)

	var second atomic.Bool
	fake.AfterFunc(time.Second, func() {
		fake.AfterFunc(time.Second, func() { second.Store(true) })
	})

	fake.Advance(time.Second)
	if second.Load() {
		t.Fatal("chained callback fired within the first interval")
	}
	fake.Advance(time.Second)
	if !second.Load() {
		t.Fatal("chained callback did not fire")
	}
}

func TestFakeConcurrentWaiters(t *testing.T) {
	fake := NewFake(epoch)

	const waiters = 32
	var wg sync.WaitGroup
	var woke atomic.Int64
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fake.Sleep(time.Second)
			woke.Add(1)
		}()
	}

	fake.BlockUntil(waiters)
	fake.Advance(time.Second)
	wg.Wait()

	if got := woke.Load(); got != waiters {
		t.Fatalf("woke = %d, want %d", got, waiters)
	}
}
