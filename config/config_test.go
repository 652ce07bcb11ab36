// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreSnapshotAndListeners(t *testing.T) {
	s := NewStore()
	reloads := 0
	s.OnReload(func() { reloads++ })

	s.Set(map[string]any{"a": 1, "b": "two"})
	assert.Equal(t, 1, reloads)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap["a"])
	assert.Equal(t, "two", snap["b"])

	// Snapshot is a copy.
	snap["a"] = 99
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestKnobDefaults(t *testing.T) {
	assert.Equal(t, uint64(5000), TCPConnectTimeoutMs())
	assert.Equal(t, 128*1024, FiberStackSize())
	assert.Equal(t, 256, EpollMaxEvents())
	assert.Equal(t, 5000, EpollMaxTimeoutMs())
}

func TestConnectTimeoutKnobUpdate(t *testing.T) {
	SetTCPConnectTimeoutMs(1234)
	assert.Equal(t, uint64(1234), TCPConnectTimeoutMs())
	SetTCPConnectTimeoutMs(DefaultTCPConnectTimeoutMs)
}
