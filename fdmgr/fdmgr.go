//go:build linux

// File: fdmgr/fdmgr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-fd bookkeeping for the hook layer: socket detection, the split
// between the runtime's O_NONBLOCK requirement and the application's
// non-blocking intent, and stored send/recv timeouts. Process-wide
// singleton, dense slice indexed by fd.

package fdmgr

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NoTimeout is the sentinel for an unset send/recv timeout.
const NoTimeout = ^uint64(0)

// FdCtx records what the runtime knows about one file descriptor.
type FdCtx struct {
	mu           sync.Mutex
	fd           int
	isSocket     bool
	closed       bool
	sysNonblock  bool
	userNonblock bool
	recvTimeout  uint64
	sendTimeout  uint64
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{
		fd:          fd,
		recvTimeout: NoTimeout,
		sendTimeout: NoTimeout,
	}
	c.init()
	return c
}

// init probes the fd. Sockets are switched to O_NONBLOCK immediately; the
// hook layer emulates blocking semantics on top.
func (c *FdCtx) init() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		c.closed = true
		return
	}
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err == nil && flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.sysNonblock = true
}

// Fd returns the descriptor number.
func (c *FdCtx) Fd() int { return c.fd }

// IsSocket reports whether the fd referred to a socket at registration.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsClosed reports whether the fd was invalid at registration.
func (c *FdCtx) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetSysNonblock records that the runtime flipped the fd to O_NONBLOCK.
func (c *FdCtx) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

// SysNonblock reports the runtime's non-blocking requirement.
func (c *FdCtx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetUserNonblock records the application's non-blocking intent as seen via
// fcntl/ioctl.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the application's non-blocking intent.
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetTimeout stores a recv (unix.SO_RCVTIMEO) or send (unix.SO_SNDTIMEO)
// timeout in milliseconds.
func (c *FdCtx) SetTimeout(kind int, ms uint64) {
	c.mu.Lock()
	if kind == unix.SO_RCVTIMEO {
		c.recvTimeout = ms
	} else {
		c.sendTimeout = ms
	}
	c.mu.Unlock()
}

// Timeout returns the stored timeout for kind, NoTimeout when unset.
func (c *FdCtx) Timeout(kind int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == unix.SO_RCVTIMEO {
		return c.recvTimeout
	}
	return c.sendTimeout
}

// Manager maps fd -> FdCtx.
type Manager struct {
	mu  sync.RWMutex
	fds []*FdCtx
}

var (
	once     sync.Once
	instance *Manager
)

// Instance returns the process-wide manager.
func Instance() *Manager {
	once.Do(func() {
		instance = &Manager{fds: make([]*FdCtx, 64)}
	})
	return instance
}

// Get returns the context for fd, creating one when autoCreate is set.
func (m *Manager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.fds) {
		if c := m.fds[fd]; c != nil || !autoCreate {
			m.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.fds) {
		grown := make([]*FdCtx, fd+fd/2+1)
		copy(grown, m.fds)
		m.fds = grown
	}
	if c := m.fds[fd]; c != nil {
		return c
	}
	c := newFdCtx(fd)
	m.fds[fd] = c
	return c
}

// Del forgets the context for fd.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= 0 && fd < len(m.fds) {
		m.fds[fd] = nil
	}
}
