//go:build linux

// File: sched/fdcontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd event registration state for IOManager.

package sched

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberio/fiber"
)

// Event is a readiness interest bitmask, value-compatible with epoll.
type Event uint32

const (
	// NoneEvent is the empty mask.
	NoneEvent Event = 0
	// ReadEvent is readability (EPOLLIN).
	ReadEvent Event = unix.EPOLLIN
	// WriteEvent is writability (EPOLLOUT).
	WriteEvent Event = unix.EPOLLOUT
)

func (e Event) String() string {
	switch e {
	case ReadEvent:
		return "READ"
	case WriteEvent:
		return "WRITE"
	case ReadEvent | WriteEvent:
		return "READ|WRITE"
	}
	return fmt.Sprintf("Event(%#x)", uint32(e))
}

// eventContext records who to wake when one event fires: the scheduler that
// registered it and either a fiber or a callback, never both.
type eventContext struct {
	scheduler *Scheduler
	fiber     *fiber.Fiber
	cb        func()
}

func (ec *eventContext) reset() {
	ec.scheduler = nil
	ec.fiber = nil
	ec.cb = nil
}

// FdContext is the registration state of a single fd: the currently armed
// event mask and one context per event.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *FdContext) ctxFor(ev Event) *eventContext {
	switch ev {
	case ReadEvent:
		return &c.read
	case WriteEvent:
		return &c.write
	}
	panic(fmt.Sprintf("sched: no event context for %s on fd %d", ev, c.fd))
}

// triggerEvent clears the event bit and schedules its owner. Registrations
// are one-shot: firing consumes the registration. Caller holds c.mu.
func (c *FdContext) triggerEvent(ev Event) {
	if c.events&ev == 0 {
		panic(fmt.Sprintf("sched: trigger of unregistered %s on fd %d", ev, c.fd))
	}
	c.events &^= ev
	ec := c.ctxFor(ev)
	if ec.cb != nil {
		ec.scheduler.Schedule(ec.cb, -1)
	} else {
		ec.scheduler.ScheduleFiber(ec.fiber, -1)
	}
	ec.reset()
}
