//go:build linux

// File: internal/clock/clock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Millisecond monotonic clock for timer deadlines.

package clock

import "golang.org/x/sys/unix"

// NowMs returns the current CLOCK_MONOTONIC_RAW reading in milliseconds.
// The raw clock is immune to NTP slewing; rollover handling in the timer
// manager covers kernels that adjust it anyway.
func NowMs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		// CLOCK_MONOTONIC is always available when RAW is not.
		_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	}
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1_000_000
}
