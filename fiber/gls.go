// File: fiber/gls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Goroutine-local registry backing the runtime's execution-context state.
// One entry exists for each goroutine that currently hosts a fiber or a
// scheduler worker.

package fiber

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Vars is the execution-context block a worker shares with every fiber it
// resumes: the active scheduler, the worker's scheduling fiber, and the
// hook-enable flag. It plays the role thread-local storage plays in a
// 1:1-threaded runtime; all fibers driven by one worker observe the same
// block.
type Vars struct {
	// Scheduler is the scheduler driving this execution context, stored as
	// its outermost type (e.g. *sched.IOManager). Nil outside any scheduler.
	Scheduler any
	// SchedFiber is the scheduling fiber of the hosting worker.
	SchedFiber *Fiber
	// HookEnable gates syscall interception for this context.
	HookEnable bool
}

type glsRecord struct {
	fiber *Fiber
	vars  *Vars
}

var (
	glsMu sync.RWMutex
	gls   = make(map[uint64]*glsRecord)
)

// goID extracts the current goroutine id from the stack header.
func goID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// header shape: "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

func currentRecord() *glsRecord {
	g := goID()
	glsMu.RLock()
	r := gls[g]
	glsMu.RUnlock()
	if r != nil {
		return r
	}
	r = &glsRecord{}
	glsMu.Lock()
	gls[g] = r
	glsMu.Unlock()
	return r
}

func lookupRecord() *glsRecord {
	glsMu.RLock()
	r := gls[goID()]
	glsMu.RUnlock()
	return r
}

func dropRecord() {
	glsMu.Lock()
	delete(gls, goID())
	glsMu.Unlock()
}

// CurrentVars returns the execution-context block of the calling goroutine,
// creating an empty one on first use.
func CurrentVars() *Vars {
	r := currentRecord()
	if r.vars == nil {
		r.vars = &Vars{}
	}
	return r.vars
}

// Release drops the calling goroutine's fiber bookkeeping. Scheduler workers
// call it on exit; application goroutines that used GetThis may call it to
// avoid retaining the entry for the process lifetime.
func Release() {
	dropRecord()
}
