//go:build linux

// File: sched/iomanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOManager fuses the scheduler with an edge-triggered epoll reactor and a
// timer manager. Idle workers block in epoll_wait, bounded by the next
// timer deadline; a self-pipe wakes them when tasks or timers arrive.
// Registrations are one-shot: a fired event must be re-armed.

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberio/config"
	"github.com/momentics/fiberio/fdmgr"
	"github.com/momentics/fiberio/fiber"
	"github.com/momentics/fiberio/internal/logging"
	"github.com/momentics/fiberio/timer"
)

var ioLog = logging.Component("iomanager")

const epollET = uint32(unix.EPOLLET)

// IOManager is a Scheduler whose idle loop is an epoll reactor with an
// embedded timer manager.
type IOManager struct {
	Scheduler
	*timer.Manager

	epfd      int
	tickleFds [2]int

	mu         sync.RWMutex
	fdContexts []*FdContext

	pending int64 // live (fd, event) registrations
}

// NewIOManager builds and starts an IOManager.
func NewIOManager(threads int, useCaller bool, name string) *IOManager {
	io := &IOManager{}
	initScheduler(&io.Scheduler, threads, useCaller, name)
	io.impl = io
	io.owner = io
	io.Manager = timer.NewManager(io.onTimerInsertedAtFront)

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		panic(fmt.Sprintf("iomanager: epoll_create1: %v", err))
	}
	io.epfd = epfd

	if err := unix.Pipe2(io.tickleFds[:], unix.O_NONBLOCK); err != nil {
		panic(fmt.Sprintf("iomanager: pipe2: %v", err))
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | epollET,
		Fd:     int32(io.tickleFds[0]),
	}
	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_ADD, io.tickleFds[0], &ev); err != nil {
		panic(fmt.Sprintf("iomanager: epoll_ctl tickle pipe: %v", err))
	}

	io.contextResizeLocked(32)
	io.finishInit()
	io.Start()
	return io
}

// GetIOManager returns the IOManager driving the calling execution context,
// nil when the ambient scheduler is not one.
func GetIOManager() *IOManager {
	io, _ := fiber.CurrentVars().Scheduler.(*IOManager)
	return io
}

func (io *IOManager) base() *Scheduler { return &io.Scheduler }

// onTimerInsertedAtFront interrupts epoll_wait so the idle loop re-arms its
// timeout against the new earliest deadline.
func (io *IOManager) onTimerInsertedAtFront() { io.tickle() }

// contextResizeLocked grows the fd slot table; io.mu write lock held (or
// single-threaded construction).
func (io *IOManager) contextResizeLocked(size int) {
	if size <= len(io.fdContexts) {
		return
	}
	grown := make([]*FdContext, size)
	copy(grown, io.fdContexts)
	for i := range grown {
		if grown[i] == nil {
			grown[i] = &FdContext{fd: i}
		}
	}
	io.fdContexts = grown
}

func (io *IOManager) fdContext(fd int, grow bool) *FdContext {
	io.mu.RLock()
	if fd < len(io.fdContexts) {
		c := io.fdContexts[fd]
		io.mu.RUnlock()
		return c
	}
	io.mu.RUnlock()
	if !grow {
		return nil
	}
	io.mu.Lock()
	io.contextResizeLocked(fd + fd/2 + 1)
	c := io.fdContexts[fd]
	io.mu.Unlock()
	return c
}

// AddEvent arms a one-shot readiness registration for (fd, ev). With a nil
// cb the current fiber is captured and rescheduled on readiness; it must
// yield right after. Registering an already-armed event is a programming
// error. The fd is switched to O_NONBLOCK.
func (io *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	if ev != ReadEvent && ev != WriteEvent {
		panic(fmt.Sprintf("iomanager: add of invalid event %s", ev))
	}
	fc := io.fdContext(fd, true)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev != 0 {
		panic(fmt.Sprintf("iomanager: %s already registered on fd %d", ev, fd))
	}

	op := unix.EPOLL_CTL_ADD
	if fc.events != NoneEvent {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{
		Events: epollET | uint32(fc.events) | uint32(ev),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(io.epfd, op, fd, &epev); err != nil {
		ioLog.Error().Err(err).Int("fd", fd).Str("event", ev.String()).Msg("epoll_ctl add failed")
		return fmt.Errorf("iomanager: epoll_ctl fd %d: %w", fd, err)
	}
	_ = unix.SetNonblock(fd, true)
	if c := fdmgr.Instance().Get(fd, false); c != nil {
		c.SetSysNonblock(true)
	}

	atomic.AddInt64(&io.pending, 1)
	fc.events |= ev
	ec := fc.ctxFor(ev)
	ec.scheduler = GetThis()
	if ec.scheduler == nil {
		ec.scheduler = &io.Scheduler
	}
	if cb != nil {
		ec.cb = cb
	} else {
		ec.fiber = fiber.GetThis()
		if ec.fiber.State() != fiber.Running {
			panic(fmt.Sprintf("iomanager: captured fiber %d not RUNNING", ec.fiber.ID()))
		}
	}
	return nil
}

// DelEvent removes a registration without firing it.
func (io *IOManager) DelEvent(fd int, ev Event) bool {
	fc := io.fdContext(fd, false)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	op := unix.EPOLL_CTL_DEL
	if left != NoneEvent {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{Events: epollET | uint32(left), Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, op, fd, &epev); err != nil {
		ioLog.Error().Err(err).Int("fd", fd).Str("event", ev.String()).Msg("epoll_ctl del failed")
		return false
	}

	atomic.AddInt64(&io.pending, -1)
	fc.events = left
	fc.ctxFor(ev).reset()
	return true
}

// CancelEvent removes a registration and fires it, waking the owner.
func (io *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := io.fdContext(fd, false)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}

	left := fc.events &^ ev
	op := unix.EPOLL_CTL_DEL
	if left != NoneEvent {
		op = unix.EPOLL_CTL_MOD
	}
	epev := unix.EpollEvent{Events: epollET | uint32(left), Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, op, fd, &epev); err != nil {
		ioLog.Error().Err(err).Int("fd", fd).Str("event", ev.String()).Msg("epoll_ctl cancel failed")
		return false
	}

	fc.triggerEvent(ev)
	atomic.AddInt64(&io.pending, -1)
	return true
}

// CancelAll removes the fd from the reactor and fires every registered
// event, so suspended owners observe the failure on retry.
func (io *IOManager) CancelAll(fd int) bool {
	fc := io.fdContext(fd, false)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == NoneEvent {
		return false
	}

	epev := unix.EpollEvent{Fd: int32(fd)}
	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_DEL, fd, &epev); err != nil {
		ioLog.Error().Err(err).Int("fd", fd).Msg("epoll_ctl cancel-all failed")
		return false
	}

	if fc.events&ReadEvent != 0 {
		fc.triggerEvent(ReadEvent)
		atomic.AddInt64(&io.pending, -1)
	}
	if fc.events&WriteEvent != 0 {
		fc.triggerEvent(WriteEvent)
		atomic.AddInt64(&io.pending, -1)
	}
	return true
}

// PendingEvents reports the live registration count.
func (io *IOManager) PendingEvents() int64 { return atomic.LoadInt64(&io.pending) }

// tickle writes one byte into the self-pipe, but only when some worker is
// parked in epoll_wait; busy workers drain the queue on their own.
func (io *IOManager) tickle() {
	if !io.hasIdleThreads() {
		return
	}
	_, _ = unix.Write(io.tickleFds[1], []byte{'T'})
}

func (io *IOManager) stopping() bool {
	_, stop := io.stoppingWithTimeout()
	return stop
}

// stoppingWithTimeout additionally emits the distance to the next timer so
// the idle loop can size its epoll_wait.
func (io *IOManager) stoppingWithTimeout() (uint64, bool) {
	next := io.NextTimer()
	stop := next == timer.Unset &&
		atomic.LoadInt64(&io.pending) == 0 &&
		io.Scheduler.stopping()
	return next, stop
}

// idle is the reactor loop run as a fiber on every worker: wait for
// readiness or the next deadline, harvest expired timers, dispatch fired
// events, then yield so the worker drains the queue.
func (io *IOManager) idle() {
	events := make([]unix.EpollEvent, config.EpollMaxEvents())
	for {
		nextTimeout, stop := io.stoppingWithTimeout()
		if stop {
			// Pass the shutdown wake along: one worker drains the whole
			// pipe, siblings may still be parked in epoll_wait.
			io.tickle()
			ioLog.Debug().Str("name", io.Name()).Msg("idle exiting")
			return
		}

		var n int
		for {
			timeout := uint64(config.EpollMaxTimeoutMs())
			if nextTimeout != timer.Unset && nextTimeout < timeout {
				timeout = nextTimeout
			}
			var err error
			n, err = unix.EpollWait(io.epfd, events, int(timeout))
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				ioLog.Error().Err(err).Int("epfd", io.epfd).Msg("epoll_wait failed")
				n = 0
			}
			break
		}

		for _, cb := range io.ListExpired() {
			io.Schedule(cb, -1)
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			if int(ev.Fd) == io.tickleFds[0] {
				// Edge-triggered: drain the pipe completely.
				var dummy [256]byte
				for {
					k, err := unix.Read(io.tickleFds[0], dummy[:])
					if k <= 0 || err != nil {
						break
					}
				}
				continue
			}

			fc := io.fdContext(int(ev.Fd), false)
			if fc == nil {
				continue
			}
			fc.mu.Lock()
			// Error or hangup: synthesize readiness for whatever is
			// registered, so the owners observe the kernel errno on retry.
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev.Events |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(fc.events)
			}
			var real Event
			if ev.Events&unix.EPOLLIN != 0 {
				real |= ReadEvent
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				real |= WriteEvent
			}
			if fc.events&real == NoneEvent {
				fc.mu.Unlock()
				continue
			}

			left := fc.events &^ real
			op := unix.EPOLL_CTL_DEL
			if left != NoneEvent {
				op = unix.EPOLL_CTL_MOD
			}
			epev := unix.EpollEvent{Events: epollET | uint32(left), Fd: ev.Fd}
			if err := unix.EpollCtl(io.epfd, op, int(ev.Fd), &epev); err != nil {
				ioLog.Error().Err(err).Int32("fd", ev.Fd).Msg("epoll_ctl rearm failed")
				fc.mu.Unlock()
				continue
			}

			if real&ReadEvent != 0 {
				fc.triggerEvent(ReadEvent)
				atomic.AddInt64(&io.pending, -1)
			}
			if real&WriteEvent != 0 {
				fc.triggerEvent(WriteEvent)
				atomic.AddInt64(&io.pending, -1)
			}
			fc.mu.Unlock()
		}

		// Hand the freshly queued work to the dispatch loop; re-entered
		// when the queue runs dry again.
		fiber.GetThis().Yield()
	}
}

// Stop drains the scheduler and releases the reactor's descriptors.
func (io *IOManager) Stop() {
	io.Scheduler.Stop()
	_ = unix.Close(io.epfd)
	_ = unix.Close(io.tickleFds[0])
	_ = unix.Close(io.tickleFds[1])
}
