// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Millisecond timer manager: min-heap of deadlines, recurring timers,
// condition timers and backward-clock detection. The owner supplies a
// notify hook invoked whenever a new earliest deadline appears, so a
// reactor blocked in epoll_wait can re-arm its timeout.

package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/momentics/fiberio/internal/clock"
)

// Unset is the sentinel for "no deadline".
const Unset = ^uint64(0)

// rolloverWindowMs: an apparent backward jump larger than this is treated
// as a host clock adjustment and expires every timer once.
const rolloverWindowMs = 60 * 60 * 1000

// Cond is a liveness handle for condition timers. A timer armed with a Cond
// skips its callback once the handle has been released.
type Cond struct {
	released int32
}

// NewCond returns a live condition handle.
func NewCond() *Cond { return &Cond{} }

// Release marks the handle dead; subsequent fires of timers bound to it are
// skipped.
func (c *Cond) Release() { atomic.StoreInt32(&c.released, 1) }

// Alive reports whether the handle has not been released.
func (c *Cond) Alive() bool { return atomic.LoadInt32(&c.released) == 0 }

// Timer is a single deadline managed by a Manager.
type Timer struct {
	ms        uint64
	next      uint64
	recurring bool
	cb        func()
	mgr       *Manager
	seq       uint64
	index     int // heap slot, -1 when not queued
}

// Manager holds timers ordered by deadline.
type Manager struct {
	mu       sync.RWMutex
	timers   timerHeap
	tickled  bool
	prevTime uint64
	seq      uint64
	notify   func()
	now      func() uint64
}

// NewManager creates a manager. notify, if non-nil, runs (outside the lock)
// whenever a newly added or reset timer becomes the earliest deadline.
func NewManager(notify func()) *Manager {
	return &Manager{notify: notify, now: clock.NowMs}
}

// AddTimer schedules cb to run after ms milliseconds, repeatedly if
// recurring.
func (m *Manager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	m.mu.Lock()
	t := &Timer{
		ms:        ms,
		next:      m.now() + ms,
		recurring: recurring,
		cb:        cb,
		mgr:       m,
		seq:       m.seq,
		index:     -1,
	}
	m.seq++
	atFront := m.pushLocked(t)
	m.mu.Unlock()
	if atFront && m.notify != nil {
		m.notify()
	}
	return t
}

// AddConditionTimer is AddTimer with a liveness guard: cb is skipped at
// fire time when cond has been released.
func (m *Manager) AddConditionTimer(ms uint64, cb func(), cond *Cond, recurring bool) *Timer {
	return m.AddTimer(ms, func() {
		if cond.Alive() {
			cb()
		}
	}, recurring)
}

// pushLocked inserts t and reports whether it became the new minimum while
// no notify is already pending.
func (m *Manager) pushLocked(t *Timer) bool {
	heap.Push(&m.timers, t)
	atFront := m.timers[0] == t && !m.tickled
	if atFront {
		m.tickled = true
	}
	return atFront
}

// NextTimer returns milliseconds until the earliest deadline, 0 when one is
// already due, Unset when no timers exist. Clears the pending-notify latch.
func (m *Manager) NextTimer() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if m.timers.Len() == 0 {
		return Unset
	}
	now := m.now()
	if next := m.timers[0].next; next > now {
		return next - now
	}
	return 0
}

// HasTimer reports whether any timer is queued.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timers.Len() > 0
}

// ListExpired pops every due timer and returns its callbacks in deadline
// order. Recurring timers are reinserted at now+period. A backward clock
// jump beyond the rollover window expires everything.
func (m *Manager) ListExpired() []func() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timers.Len() == 0 {
		return nil
	}
	rollover := m.detectRolloverLocked(now)
	if !rollover && m.timers[0].next > now {
		return nil
	}
	var cbs []func()
	for m.timers.Len() > 0 && (rollover || m.timers[0].next <= now) {
		t := heap.Pop(&m.timers).(*Timer)
		if t.cb == nil {
			continue
		}
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now + t.ms
			heap.Push(&m.timers, t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// detectRolloverLocked samples the clock and reports whether it moved
// backward by more than the rollover window since the previous sample.
func (m *Manager) detectRolloverLocked(now uint64) bool {
	rolled := now < m.prevTime && m.prevTime-now > rolloverWindowMs
	m.prevTime = now
	return rolled
}

// Cancel removes the timer; false when it already fired or was cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh moves the deadline to now+period without changing the period.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.next = m.now() + t.ms
	heap.Push(&m.timers, t)
	return true
}

// Reset changes the period. With fromNow the new deadline counts from the
// current time, otherwise from the instant the current deadline was armed
// (the last add, refresh, reset or recurring reinsertion).
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()
	if ms == t.ms && !fromNow {
		m.mu.Unlock()
		return true
	}
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.timers, t.index)
	start := t.next - t.ms
	if fromNow {
		start = m.now()
	}
	t.ms = ms
	t.next = start + ms
	atFront := m.pushLocked(t)
	m.mu.Unlock()
	if atFront && m.notify != nil {
		m.notify()
	}
	return true
}

// timerHeap orders by (deadline, insertion order).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
