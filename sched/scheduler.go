// File: sched/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative M:N scheduler: a fixed pool of workers (goroutines locked to
// OS threads) dispatches fibers and callbacks from FIFO task streams. With
// useCaller the constructing thread contributes one worker slot through a
// root fiber it enters during Stop.

package sched

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/fiberio/fiber"
	"github.com/momentics/fiberio/internal/logging"
)

var schedLog = logging.Component("sched")

// task is one unit of dispatch: exactly one of fiber/cb is set. worker pins
// the task to a worker id; -1 means any worker may take it.
type task struct {
	fiber  *fiber.Fiber
	cb     func()
	worker int
	seq    uint64
}

// schedulerImpl is the virtual surface the dispatch loop calls through, so
// IOManager can override reactor-specific behavior.
type schedulerImpl interface {
	tickle()
	idle()
	stopping() bool
}

// Scheduler multiplexes fibers over a pool of workers.
type Scheduler struct {
	name string

	mu     sync.Mutex
	anyQ   *queue.Queue          // tasks with worker == -1, FIFO
	pinned map[int]*queue.Queue  // per-worker pinned streams, FIFO
	seq    uint64                // global insertion stamp across streams
	queued int

	threadCount int
	useCaller   bool
	callerID    int
	rootFiber   *fiber.Fiber

	started   bool
	stopFlag  int32
	active    int32
	idleCount int32
	wg        sync.WaitGroup

	impl  schedulerImpl
	owner any // outermost instance, what GetThis hands back
}

// NewScheduler builds a scheduler with the given worker count. useCaller
// donates the calling thread as one of the workers; no other scheduler may
// be active on the calling goroutine in that case.
func NewScheduler(threads int, useCaller bool, name string) *Scheduler {
	s := &Scheduler{}
	initScheduler(s, threads, useCaller, name)
	s.impl = s
	s.owner = s
	s.finishInit()
	return s
}

func initScheduler(s *Scheduler, threads int, useCaller bool, name string) {
	if threads <= 0 {
		panic("sched: thread count must be positive")
	}
	s.name = name
	s.anyQ = queue.New()
	s.pinned = make(map[int]*queue.Queue)
	s.threadCount = threads
	s.useCaller = useCaller
	s.callerID = -1
}

// finishInit runs after impl/owner are wired, so the caller's root fiber
// dispatches through the outermost type.
func (s *Scheduler) finishInit() {
	if !s.useCaller {
		return
	}
	s.threadCount--
	fiber.GetThis()
	if GetThis() != nil {
		panic("sched: another scheduler is already active on this goroutine")
	}
	fiber.CurrentVars().Scheduler = s.owner
	id := s.threadCount // the caller's worker id
	s.callerID = id
	s.rootFiber = fiber.New(func() { s.run(id) }, 0, false)
}

// GetThis returns the scheduler driving the calling execution context, nil
// outside any scheduler.
func GetThis() *Scheduler {
	switch o := fiber.CurrentVars().Scheduler.(type) {
	case *Scheduler:
		return o
	case interface{ base() *Scheduler }:
		return o.base()
	}
	return nil
}

// GetMainFiber returns the scheduling fiber of the hosting worker, nil
// outside a scheduler worker.
func GetMainFiber() *fiber.Fiber {
	return fiber.CurrentVars().SchedFiber
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Start spawns the worker pool. A second call, or a call after Stop, is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || atomic.LoadInt32(&s.stopFlag) != 0 {
		s.mu.Unlock()
		return
	}
	s.started = true
	n := s.threadCount
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		id := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer fiber.Release()
			s.run(id)
		}()
	}
}

// Schedule enqueues a callback; worker -1 lets any worker take it.
func (s *Scheduler) Schedule(cb func(), worker int) {
	if cb == nil {
		panic("sched: schedule of nil callback")
	}
	s.submit(task{cb: cb, worker: worker})
}

// ScheduleFiber enqueues a READY fiber; worker -1 lets any worker take it.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, worker int) {
	if f == nil {
		panic("sched: schedule of nil fiber")
	}
	s.submit(task{fiber: f, worker: worker})
}

// ScheduleBatch enqueues callbacks back to back so they dispatch in slice
// order on the any-worker stream.
func (s *Scheduler) ScheduleBatch(cbs []func()) {
	if len(cbs) == 0 {
		return
	}
	s.mu.Lock()
	needTickle := s.queued == 0
	for _, cb := range cbs {
		s.enqueueLocked(task{cb: cb, worker: -1})
	}
	s.mu.Unlock()
	if needTickle {
		s.impl.tickle()
	}
}

func (s *Scheduler) submit(t task) {
	s.mu.Lock()
	needTickle := s.queued == 0
	s.enqueueLocked(t)
	s.mu.Unlock()
	if needTickle {
		s.impl.tickle()
	}
}

func (s *Scheduler) enqueueLocked(t task) {
	t.seq = s.seq
	s.seq++
	if t.worker < 0 {
		s.anyQ.Add(t)
	} else {
		q := s.pinned[t.worker]
		if q == nil {
			q = queue.New()
			s.pinned[t.worker] = q
		}
		q.Add(t)
	}
	s.queued++
}

// take dequeues the oldest task the given worker may run: the front of the
// any-worker stream or of the worker's pinned stream, whichever was
// enqueued first. tickleMe reports that tasks remain for somebody.
func (s *Scheduler) take(workerID int) (t task, tickleMe, found bool) {
	s.mu.Lock()
	var fromAny bool
	if s.anyQ.Length() > 0 {
		t = s.anyQ.Peek().(task)
		found = true
		fromAny = true
	}
	if q := s.pinned[workerID]; q != nil && q.Length() > 0 {
		if p := q.Peek().(task); !found || p.seq < t.seq {
			t = p
			found = true
			fromAny = false
		}
	}
	if found {
		if fromAny {
			s.anyQ.Remove()
		} else {
			s.pinned[workerID].Remove()
		}
		s.queued--
		atomic.AddInt32(&s.active, 1)
	}
	tickleMe = s.queued > 0
	s.mu.Unlock()
	return t, tickleMe, found
}

// run is the dispatch loop every worker executes, including the caller's
// root fiber.
func (s *Scheduler) run(id int) {
	vars := fiber.CurrentVars()
	vars.Scheduler = s.owner
	vars.SchedFiber = fiber.GetThis()

	idleFiber := fiber.New(func() { s.impl.idle() }, 0, true)
	var cbFiber *fiber.Fiber

	for {
		t, tickleMe, found := s.take(id)
		if tickleMe {
			s.impl.tickle()
		}
		switch {
		case found && t.fiber != nil:
			// Post-resume the fiber is TERM or has yielded back into the
			// queue; either way this dispatch is done.
			t.fiber.Resume()
			atomic.AddInt32(&s.active, -1)
		case found && t.cb != nil:
			if cbFiber != nil {
				cbFiber.Reset(t.cb)
			} else {
				cbFiber = fiber.New(t.cb, 0, true)
			}
			cbFiber.Resume()
			atomic.AddInt32(&s.active, -1)
			if cbFiber.State() != fiber.Term {
				// The fiber yielded mid-callback and now owns itself via
				// the queue; stop reusing its slot.
				cbFiber = nil
			}
		default:
			if idleFiber.State() == fiber.Term {
				return
			}
			atomic.AddInt32(&s.idleCount, 1)
			idleFiber.Resume()
			atomic.AddInt32(&s.idleCount, -1)
		}
	}
}

// tickle wakes idle workers. The base scheduler's idle loop busy-polls, so
// nothing is needed here; IOManager overrides this with a pipe write.
func (s *Scheduler) tickle() {}

// idle runs whenever a worker finds the queue empty. The base loop yields
// straight back, polling for new tasks; terminating once stop drains the
// queue.
func (s *Scheduler) idle() {
	for !s.impl.stopping() {
		runtime.Gosched()
		fiber.GetThis().Yield()
	}
}

// stopping reports whether the dispatch loops may exit.
func (s *Scheduler) stopping() bool {
	if atomic.LoadInt32(&s.stopFlag) == 0 {
		return false
	}
	s.mu.Lock()
	empty := s.queued == 0
	s.mu.Unlock()
	return empty && atomic.LoadInt32(&s.active) == 0
}

func (s *Scheduler) hasIdleThreads() bool {
	return atomic.LoadInt32(&s.idleCount) > 0
}

// Stop drains the queue and joins the workers. With useCaller it must run
// on the caller thread, which performs the final draining by entering the
// root fiber.
func (s *Scheduler) Stop() {
	if s.impl.stopping() {
		return
	}
	atomic.StoreInt32(&s.stopFlag, 1)

	if s.useCaller {
		if GetThis() != s {
			panic(fmt.Sprintf("sched: stop of %q must run on its caller thread", s.name))
		}
	} else if GetThis() == s {
		panic(fmt.Sprintf("sched: stop of %q from one of its own workers", s.name))
	}

	for i := 0; i < s.threadCount; i++ {
		s.impl.tickle()
	}
	if s.rootFiber != nil {
		s.impl.tickle()
		s.rootFiber.Resume()
		schedLog.Debug().Str("name", s.name).Msg("root fiber drained")
	}
	s.wg.Wait()

	if s.useCaller {
		fiber.CurrentVars().Scheduler = nil
	}
}
