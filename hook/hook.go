//go:build linux

// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking-syscall interception: drop-in POSIX I/O entry points that
// suspend the calling fiber instead of blocking the thread. Disabled
// contexts delegate straight to the kernel. The split between the
// application's non-blocking intent and the runtime's O_NONBLOCK
// requirement lives in fdmgr.

package hook

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/fiberio/config"
	"github.com/momentics/fiberio/fdmgr"
	"github.com/momentics/fiberio/fiber"
	"github.com/momentics/fiberio/internal/logging"
	"github.com/momentics/fiberio/sched"
	"github.com/momentics/fiberio/timer"
)

var hookLog = logging.Component("hook")

// fionbio is the standard Linux ioctl request number for FIONBIO
// (non-blocking I/O toggle). The vendored golang.org/x/sys/unix version
// available in this build does not export unix.FIONBIO, so the value is
// provided directly; it matches unix.FIONBIO on every Go-supported
// Linux architecture.
const fionbio = 0x5421

// connectTimeoutMs caches the connect-timeout knob, refreshed on config
// reloads.
var connectTimeoutMs uint64

func init() {
	atomic.StoreUint64(&connectTimeoutMs, config.TCPConnectTimeoutMs())
	config.OnReload(func() {
		next := config.TCPConnectTimeoutMs()
		if old := atomic.SwapUint64(&connectTimeoutMs, next); old != next {
			hookLog.Info().Uint64("old_ms", old).Uint64("new_ms", next).
				Msg("tcp connect timeout changed")
		}
	})
}

// SetEnable gates interception for the calling execution context (the
// worker and every fiber it drives share the flag).
func SetEnable(v bool) { fiber.CurrentVars().HookEnable = v }

// IsEnabled reports whether interception is active for the calling
// execution context.
func IsEnabled() bool { return fiber.CurrentVars().HookEnable }

// timerInfo carries the cancelled-errno flag between an armed condition
// timer and the suspended I/O path.
type timerInfo struct {
	cancelled int32
}

func (t *timerInfo) cancel(e unix.Errno) bool {
	return atomic.CompareAndSwapInt32(&t.cancelled, 0, int32(e))
}

func (t *timerInfo) value() unix.Errno {
	return unix.Errno(atomic.LoadInt32(&t.cancelled))
}

// Sleep suspends the calling fiber for d without occupying its worker. With
// interception disabled, or outside an IOManager, it falls back to a thread
// sleep.
func Sleep(d time.Duration) {
	iom := sched.GetIOManager()
	if !IsEnabled() || iom == nil {
		time.Sleep(d)
		return
	}
	f := fiber.GetThis()
	iom.AddTimer(uint64(d/time.Millisecond), func() {
		iom.ScheduleFiber(f, -1)
	}, false)
	f.Yield()
}

// Usleep suspends the calling fiber for usec microseconds.
func Usleep(usec uint64) {
	Sleep(time.Duration(usec) * time.Microsecond)
}

// Socket creates a socket and, when interception is enabled, registers its
// fd context (flipping it to O_NONBLOCK).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil || !IsEnabled() {
		return fd, err
	}
	fdmgr.Instance().Get(fd, true)
	return fd, nil
}

// Connect dials with the configured connect timeout.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, atomic.LoadUint64(&connectTimeoutMs))
}

// ConnectWithTimeout dials, suspending the fiber until the connect
// completes, fails, or timeoutMs elapses (unix.ETIMEDOUT). timeoutMs of
// fdmgr.NoTimeout waits indefinitely.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMs uint64) error {
	if !IsEnabled() {
		return unix.Connect(fd, sa)
	}
	ctx := fdmgr.Instance().Get(fd, false)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	iom := sched.GetIOManager()
	ti := &timerInfo{}
	cond := timer.NewCond()
	defer cond.Release()
	var t *timer.Timer
	if timeoutMs != fdmgr.NoTimeout {
		t = iom.AddConditionTimer(timeoutMs, func() {
			if !ti.cancel(unix.ETIMEDOUT) {
				return
			}
			iom.CancelEvent(fd, sched.WriteEvent)
		}, cond, false)
	}

	if addErr := iom.AddEvent(fd, sched.WriteEvent, nil); addErr != nil {
		if t != nil {
			t.Cancel()
		}
		hookLog.Error().Err(addErr).Int("fd", fd).Msg("connect: add WRITE event failed")
	} else {
		fiber.GetThis().Yield()
		if t != nil {
			t.Cancel()
		}
		if e := ti.value(); e != 0 {
			return e
		}
	}

	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// doIO is the shared template for hooked I/O: retry on EINTR, suspend on
// EAGAIN with an optional stored-timeout condition timer, retry on wakeup.
func doIO(fd int, event sched.Event, timeoutKind int, fn func() (int, error)) (int, error) {
	if !IsEnabled() {
		return fn()
	}
	ctx := fdmgr.Instance().Get(fd, false)
	if ctx == nil {
		return fn()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return fn()
	}

	to := ctx.Timeout(timeoutKind)
	ti := &timerInfo{}
	cond := timer.NewCond()
	defer cond.Release()

	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		iom := sched.GetIOManager()
		var t *timer.Timer
		if to != fdmgr.NoTimeout {
			t = iom.AddConditionTimer(to, func() {
				if !ti.cancel(unix.ETIMEDOUT) {
					return
				}
				iom.CancelEvent(fd, event)
			}, cond, false)
		}

		if addErr := iom.AddEvent(fd, event, nil); addErr != nil {
			hookLog.Error().Err(addErr).Int("fd", fd).Str("event", event.String()).
				Msg("add event failed")
			if t != nil {
				t.Cancel()
			}
			return -1, addErr
		}

		fiber.GetThis().Yield()
		if t != nil {
			t.Cancel()
		}
		if e := ti.value(); e != 0 {
			return -1, e
		}
	}
}

// Accept waits for an incoming connection and registers an fd context for
// the accepted socket.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, sched.ReadEvent, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, e := unix.Accept(fd)
		if e == nil {
			sa = a
		}
		return n, e
	})
	if err == nil && nfd >= 0 {
		fdmgr.Instance().Get(nfd, true)
	}
	return nfd, sa, err
}

// Read fills p from fd.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, sched.ReadEvent, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv scatters into iovs.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, sched.ReadEvent, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, sched.ReadEvent, unix.SO_RCVTIMEO, func() (int, error) {
		n, _, e := unix.Recvfrom(fd, p, flags)
		return n, e
	})
}

// Recvfrom receives along with the peer address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, sched.ReadEvent, unix.SO_RCVTIMEO, func() (int, error) {
		k, a, e := unix.Recvfrom(fd, p, flags)
		if e == nil {
			from = a
		}
		return k, e
	})
	return n, from, err
}

// Recvmsg receives a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var (
		oobn, recvflags int
		from            unix.Sockaddr
	)
	n, err := doIO(fd, sched.ReadEvent, unix.SO_RCVTIMEO, func() (int, error) {
		k, on, rf, a, e := unix.Recvmsg(fd, p, oob, flags)
		if e == nil {
			oobn, recvflags, from = on, rf, a
		}
		return k, e
	})
	return n, oobn, recvflags, from, err
}

// Write drains p into fd.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, sched.WriteEvent, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev gathers from iovs.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, sched.WriteEvent, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends on a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, sched.WriteEvent, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// Sendto sends to a specific peer.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, sched.WriteEvent, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg sends a message with ancillary data.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, sched.WriteEvent, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels every pending registration on fd, waking suspended owners,
// drops the fd context and closes the descriptor.
func Close(fd int) error {
	if !IsEnabled() {
		return unix.Close(fd)
	}
	if ctx := fdmgr.Instance().Get(fd, false); ctx != nil {
		if iom := sched.GetIOManager(); iom != nil {
			iom.CancelAll(fd)
		}
		fdmgr.Instance().Del(fd)
	}
	return unix.Close(fd)
}

// Fcntl tracks the application's O_NONBLOCK intent on F_SETFL/F_GETFL for
// managed sockets; everything else passes through.
func Fcntl(fd, cmd, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		ctx := fdmgr.Instance().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		ctx := fdmgr.Instance().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return flags, nil
		}
		if ctx.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl tracks FIONBIO as the application's non-blocking intent for managed
// sockets, keeping the kernel flag set while the runtime requires it;
// everything else passes through.
func Ioctl(fd int, req uint, val int) error {
	if req == fionbio {
		ctx := fdmgr.Instance().Get(fd, false)
		if ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
			ctx.SetUserNonblock(val != 0)
			if ctx.SysNonblock() {
				val = 1
			}
		}
	}
	return unix.IoctlSetPointerInt(fd, req, val)
}

// SetsockoptTimeval stores SO_RCVTIMEO/SO_SNDTIMEO (in ms) on the fd
// context for the I/O template, then applies the option to the kernel.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if IsEnabled() && level == unix.SOL_SOCKET &&
		(opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := fdmgr.Instance().Get(fd, false); ctx != nil {
			ctx.SetTimeout(opt, uint64(tv.Sec)*1000+uint64(tv.Usec)/1000)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetsockoptInt passes through.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// GetsockoptInt passes through.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}
