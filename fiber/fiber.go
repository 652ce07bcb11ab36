// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stackful cooperative coroutine. Each fiber owns a goroutine (its private,
// growable stack) and a pair of handshake channels; Resume transfers control
// into the fiber and blocks the resumer until the fiber yields or
// terminates. State machine: READY -> RUNNING on resume, RUNNING -> READY on
// yield, RUNNING -> TERM when the callback returns. A TERM fiber may be
// reset with a new callback and resumed again.

package fiber

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/fiberio/config"
)

// State is the lifecycle state of a fiber.
type State int32

const (
	// Ready means the fiber can be resumed.
	Ready State = iota
	// Running means the fiber is executing on some worker.
	Running
	// Term means the callback has returned.
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	fiberSeq   uint64 // process-wide id source
	fiberCount int64  // live fibers, TERM excluded
)

// Fiber is a unit of cooperative execution. The zero value is not usable;
// construct with New or implicitly via GetThis.
type Fiber struct {
	id             uint64
	state          int32
	cb             func()
	stackSize      int
	runInScheduler bool
	main           bool
	started        bool
	resumeCh       chan struct{}
	yieldCh        chan struct{}
	// vars is published by Resume before the handoff and re-read by the
	// fiber after every wakeup; the channel handshake orders the accesses.
	vars *Vars
}

// New creates a READY fiber around cb. stackSize <= 0 selects the configured
// default; the value is advisory on this platform (the runtime grows fiber
// stacks on demand) and is kept for accounting. runInScheduler marks fibers
// dispatched by a scheduler worker, as opposed to fibers a caller thread
// drives directly.
func New(cb func(), stackSize int, runInScheduler bool) *Fiber {
	if cb == nil {
		panic("fiber: nil callback")
	}
	if stackSize <= 0 {
		stackSize = config.FiberStackSize()
	}
	atomic.AddInt64(&fiberCount, 1)
	return &Fiber{
		id:             atomic.AddUint64(&fiberSeq, 1) - 1,
		state:          int32(Ready),
		cb:             cb,
		stackSize:      stackSize,
		runInScheduler: runInScheduler,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
}

// newMain builds the implicit fiber representing a goroutine's original
// stack. No callback, no stack hint, born RUNNING.
func newMain() *Fiber {
	atomic.AddInt64(&fiberCount, 1)
	return &Fiber{
		id:       atomic.AddUint64(&fiberSeq, 1) - 1,
		state:    int32(Running),
		main:     true,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
}

// GetThis returns the fiber executing on the calling goroutine. On a
// goroutine with no fiber yet it constructs and installs the main fiber;
// this is the only path that creates one.
func GetThis() *Fiber {
	r := currentRecord()
	if r.fiber != nil {
		return r.fiber
	}
	m := newMain()
	if r.vars == nil {
		r.vars = &Vars{}
	}
	m.vars = r.vars
	r.fiber = m
	return m
}

// GetFiberID returns the id of the current fiber, or 0 when the goroutine
// has none.
func GetFiberID() uint64 {
	if r := lookupRecord(); r != nil && r.fiber != nil {
		return r.fiber.id
	}
	return 0
}

// Count reports the number of live (non-TERM) fibers in the process.
func Count() int64 {
	return atomic.LoadInt64(&fiberCount)
}

// ID returns the process-wide fiber id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(atomic.LoadInt32(&f.state)) }

// StackSize returns the stack hint recorded at construction; zero for main
// fibers.
func (f *Fiber) StackSize() int { return f.stackSize }

// RunInScheduler reports whether the fiber is dispatched by a scheduler
// worker.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

func (f *Fiber) setState(s State) { atomic.StoreInt32(&f.state, int32(s)) }

// Resume hands control to the fiber and blocks until it yields or
// terminates. Resuming a TERM fiber or a main fiber is a programming error.
// Resuming a RUNNING fiber is legal only when the fiber is committed to
// yielding (a reactor or timer scheduled it between registration and its
// yield); the handshake then parks the resumer until the fiber suspends.
func (f *Fiber) Resume() {
	if f.main {
		panic("fiber: resume of a main fiber")
	}
	if s := f.State(); s == Term {
		panic(fmt.Sprintf("fiber: resume of fiber %d in state %s", f.id, s))
	}
	GetThis() // ensure the resumer has an identity to return to
	f.vars = CurrentVars()
	if !f.started {
		f.setState(Running)
		f.started = true
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
}

// Yield suspends the running fiber and returns control to its resumer.
// Callable only from inside the fiber.
func (f *Fiber) Yield() {
	if f.main {
		panic("fiber: yield of a main fiber")
	}
	if r := lookupRecord(); r == nil || r.fiber != f {
		panic(fmt.Sprintf("fiber: yield of fiber %d from outside the fiber", f.id))
	}
	if f.State() != Running {
		panic(fmt.Sprintf("fiber: yield of fiber %d in state %s", f.id, f.State()))
	}
	f.setState(Ready)
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	// Resumed, possibly by a different worker: refresh the ambient context
	// the new resumer published.
	f.setState(Running)
	r := currentRecord()
	r.fiber = f
	r.vars = f.vars
}

// Reset rebinds a TERM fiber to a new callback, returning it to READY. The
// fiber keeps its identity; the next Resume re-enters the trampoline.
func (f *Fiber) Reset(cb func()) {
	if f.main {
		panic("fiber: reset of a main fiber")
	}
	if cb == nil {
		panic("fiber: reset with nil callback")
	}
	if s := f.State(); s != Term {
		panic(fmt.Sprintf("fiber: reset of fiber %d in state %s", f.id, s))
	}
	f.cb = cb
	f.started = false
	atomic.AddInt64(&fiberCount, 1)
	f.setState(Ready)
}

// trampoline is the entry point of the fiber goroutine. It pins the fiber
// into the goroutine-local registry, runs the callback to completion and
// performs the final handoff. Panics out of the callback are a contract
// violation and propagate.
func (f *Fiber) trampoline() {
	r := currentRecord()
	r.fiber = f
	r.vars = f.vars
	self := f // keep self referenced across the callback
	self.cb()
	self.cb = nil
	self.setState(Term)
	atomic.AddInt64(&fiberCount, -1)
	dropRecord()
	self.yieldCh <- struct{}{}
}
