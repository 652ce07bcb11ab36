// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// iomanager_test.go — IOManager contract: event registration round-trips,
// readiness dispatch, embedded timers, cancel semantics.

package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberio/timer"
)

func testPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], 0))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestAddDelEventRoundTrip(t *testing.T) {
	io := NewIOManager(1, false, "roundtrip")
	defer io.Stop()
	rd, _ := testPipe(t)

	require.NoError(t, io.AddEvent(rd, ReadEvent, func() {
		t.Error("deleted event fired")
	}))
	assert.Equal(t, int64(1), io.PendingEvents())

	require.True(t, io.DelEvent(rd, ReadEvent))
	assert.Equal(t, int64(0), io.PendingEvents())

	fc := io.fdContext(rd, false)
	fc.mu.Lock()
	assert.Equal(t, NoneEvent, fc.events)
	fc.mu.Unlock()

	// Removing again is a no-op.
	assert.False(t, io.DelEvent(rd, ReadEvent))
}

func TestReadinessDispatchesCallback(t *testing.T) {
	io := NewIOManager(1, false, "readiness")
	defer io.Stop()
	rd, wr := testPipe(t)

	fired := make(chan struct{})
	require.NoError(t, io.AddEvent(rd, ReadEvent, func() { close(fired) }))

	_, err := unix.Write(wr, []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("read readiness was not dispatched")
	}
	assert.Equal(t, int64(0), io.PendingEvents())
}

func TestCancelEventFiresOwner(t *testing.T) {
	io := NewIOManager(1, false, "cancel")
	defer io.Stop()
	rd, _ := testPipe(t)

	fired := make(chan struct{})
	require.NoError(t, io.AddEvent(rd, ReadEvent, func() { close(fired) }))

	require.True(t, io.CancelEvent(rd, ReadEvent))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not fire the event")
	}
	assert.Equal(t, int64(0), io.PendingEvents())
	assert.False(t, io.CancelEvent(rd, ReadEvent))
}

func TestCancelAllFiresBothEvents(t *testing.T) {
	io := NewIOManager(1, false, "cancel-all")
	defer io.Stop()

	// A pipe read end is never readable nor writable here, so both
	// registrations stay pending until the cancel fires them.
	rd, _ := testPipe(t)
	var fired int32
	require.NoError(t, io.AddEvent(rd, ReadEvent, func() { atomic.AddInt32(&fired, 1) }))
	require.NoError(t, io.AddEvent(rd, WriteEvent, func() { atomic.AddInt32(&fired, 1) }))
	assert.Equal(t, int64(2), io.PendingEvents())

	require.True(t, io.CancelAll(rd))
	waitFor(t, func() bool { return atomic.LoadInt32(&fired) == 2 })
	assert.Equal(t, int64(0), io.PendingEvents())
	assert.False(t, io.CancelAll(rd))
}

func TestTimerSchedulesCallback(t *testing.T) {
	io := NewIOManager(1, false, "timers")
	defer io.Stop()

	fired := make(chan struct{})
	start := time.Now()
	io.AddTimer(50, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRecurringTimerFiresRepeatedly(t *testing.T) {
	io := NewIOManager(1, false, "recurring")
	defer io.Stop()

	var (
		mu   sync.Mutex
		tm   *timer.Timer
		once sync.Once
	)
	var count int32
	done := make(chan struct{})
	created := io.AddTimer(20, func() {
		if atomic.AddInt32(&count, 1) < 3 {
			return
		}
		mu.Lock()
		t := tm
		mu.Unlock()
		if t != nil {
			t.Cancel()
			once.Do(func() { close(done) })
		}
	}, true)
	mu.Lock()
	tm = created
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recurring timer stalled")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}
