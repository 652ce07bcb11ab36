// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// fdmgr_test.go — fd context registration: socket detection, implicit
// O_NONBLOCK, timeout storage.

package fdmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func testSocketpair(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0, fds[:]))
	t.Cleanup(func() {
		Instance().Del(fds[0])
		Instance().Del(fds[1])
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSocketRegistrationFlipsNonblock(t *testing.T) {
	a, _ := testSocketpair(t)

	c := Instance().Get(a, true)
	require.NotNil(t, c)
	assert.True(t, c.IsSocket())
	assert.False(t, c.IsClosed())
	assert.True(t, c.SysNonblock())
	assert.False(t, c.UserNonblock())

	flags, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestNonSocketIsNotFlipped(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], 0))
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	defer Instance().Del(p[0])

	c := Instance().Get(p[0], true)
	require.NotNil(t, c)
	assert.False(t, c.IsSocket())
	assert.False(t, c.SysNonblock())

	flags, err := unix.FcntlInt(uintptr(p[0]), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK)
}

func TestGetWithoutCreate(t *testing.T) {
	a, _ := testSocketpair(t)
	assert.Nil(t, Instance().Get(a, false))
	assert.NotNil(t, Instance().Get(a, true))
	assert.NotNil(t, Instance().Get(a, false))

	Instance().Del(a)
	assert.Nil(t, Instance().Get(a, false))

	assert.Nil(t, Instance().Get(-1, true))
}

func TestTimeoutStorage(t *testing.T) {
	a, _ := testSocketpair(t)
	c := Instance().Get(a, true)

	assert.Equal(t, NoTimeout, c.Timeout(unix.SO_RCVTIMEO))
	assert.Equal(t, NoTimeout, c.Timeout(unix.SO_SNDTIMEO))

	c.SetTimeout(unix.SO_RCVTIMEO, 250)
	c.SetTimeout(unix.SO_SNDTIMEO, 750)
	assert.Equal(t, uint64(250), c.Timeout(unix.SO_RCVTIMEO))
	assert.Equal(t, uint64(750), c.Timeout(unix.SO_SNDTIMEO))
}

func TestInvalidFdMarkedClosed(t *testing.T) {
	// An fd nothing refers to: create and close a pipe end, then register.
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], 0))
	unix.Close(p[0])
	unix.Close(p[1])
	defer Instance().Del(p[0])

	c := Instance().Get(p[0], true)
	require.NotNil(t, c)
	assert.True(t, c.IsClosed())
}
