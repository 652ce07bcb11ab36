// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// timer_test.go — Manager contract: deadline ordering, recurring
// reinsertion, cancellation, condition skip, clock rollover.

package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNow pins the manager's clock for deterministic deadlines.
func fakeNow(m *Manager, ms uint64) { m.now = func() uint64 { return ms } }

func TestOrderingAndNextTimer(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 1000)

	var fired []string
	m.AddTimer(50, func() { fired = append(fired, "c") }, false)
	m.AddTimer(10, func() { fired = append(fired, "a") }, false)
	m.AddTimer(30, func() { fired = append(fired, "b") }, false)

	assert.Equal(t, uint64(10), m.NextTimer())
	assert.True(t, m.HasTimer())

	fakeNow(m, 1035)
	for _, cb := range m.ListExpired() {
		cb()
	}
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, uint64(15), m.NextTimer())

	fakeNow(m, 1100)
	for _, cb := range m.ListExpired() {
		cb()
	}
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.False(t, m.HasTimer())
	assert.Equal(t, Unset, m.NextTimer())
}

func TestNextTimerDue(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 500)
	m.AddTimer(20, func() {}, false)
	fakeNow(m, 600)
	assert.Equal(t, uint64(0), m.NextTimer())
}

func TestRecurringReinsertsFromNow(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 0)
	count := 0
	m.AddTimer(10, func() { count++ }, true)

	// Fires late: the next deadline counts from the harvest instant, so
	// the period does not drift into a burst.
	fakeNow(m, 25)
	cbs := m.ListExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.Equal(t, 1, count)

	fakeNow(m, 30)
	assert.Equal(t, uint64(5), m.NextTimer())
	assert.Empty(t, m.ListExpired())

	fakeNow(m, 35)
	cbs = m.ListExpired()
	require.Len(t, cbs, 1)
}

func TestCancel(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 0)
	tm := m.AddTimer(10, func() { t.Error("cancelled timer fired") }, false)

	require.True(t, tm.Cancel())
	assert.False(t, tm.Cancel())
	assert.False(t, m.HasTimer())

	fakeNow(m, 50)
	assert.Empty(t, m.ListExpired())
}

func TestRefreshPushesDeadline(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 100)
	tm := m.AddTimer(40, func() {}, false)

	fakeNow(m, 130)
	require.True(t, tm.Refresh())
	assert.Equal(t, uint64(40), m.NextTimer())
}

func TestResetFromNow(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 100)
	tm := m.AddTimer(40, func() {}, false)

	fakeNow(m, 120)
	require.True(t, tm.Reset(5, true))
	assert.Equal(t, uint64(5), m.NextTimer())
}

func TestConditionTimerSkipsWhenReleased(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 0)
	fired := false
	cond := NewCond()
	m.AddConditionTimer(10, func() { fired = true }, cond, false)

	cond.Release()
	fakeNow(m, 20)
	cbs := m.ListExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.False(t, fired)
}

func TestConditionTimerFiresWhileAlive(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 0)
	fired := false
	cond := NewCond()
	m.AddConditionTimer(10, func() { fired = true }, cond, false)

	fakeNow(m, 20)
	for _, cb := range m.ListExpired() {
		cb()
	}
	assert.True(t, fired)
}

func TestClockRolloverExpiresEverything(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 10_000_000)
	m.AddTimer(3_600_000, func() {}, false)
	m.AddTimer(7_200_000, func() {}, false)

	// Samples the clock and leaves both timers pending.
	assert.Empty(t, m.ListExpired())

	// Apparent jump back beyond the one-hour window: everything is due.
	fakeNow(m, 6_000_000)
	assert.Len(t, m.ListExpired(), 2)
	assert.False(t, m.HasTimer())
}

func TestSmallBackwardJumpIsNotRollover(t *testing.T) {
	m := NewManager(nil)
	fakeNow(m, 10_000_000)
	m.AddTimer(3_600_000, func() {}, false)
	assert.Empty(t, m.ListExpired())

	fakeNow(m, 9_999_000)
	assert.Empty(t, m.ListExpired())
	assert.True(t, m.HasTimer())
}

func TestInsertAtFrontNotifies(t *testing.T) {
	notified := 0
	m := NewManager(func() { notified++ })
	fakeNow(m, 0)

	m.AddTimer(100, func() {}, false)
	assert.Equal(t, 1, notified)

	// Not the new minimum: no notify.
	m.AddTimer(200, func() {}, false)
	assert.Equal(t, 1, notified)

	// New minimum, but the latch is still set until NextTimer is read.
	m.AddTimer(50, func() {}, false)
	assert.Equal(t, 1, notified)

	m.NextTimer()
	m.AddTimer(10, func() {}, false)
	assert.Equal(t, 2, notified)
}
