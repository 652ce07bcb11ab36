// File: internal/logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared zerolog setup. Components obtain a tagged child logger; the
// default level keeps the runtime quiet unless something goes wrong.

package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
)

// Component returns a logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger()
}

// SetLevel adjusts the global level for all component loggers created after
// the call.
func SetLevel(l zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(l)
}
