// Package rt defines the runtime capability the engine executes on: task
// spawning, timers, TCP dialing and listening, and file access. Exactly one
// runtime backs the process; it is selected once with Use (or lazily
// defaulted to Std) and never re-selected.
package rt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/shuttlehq/shuttle"
)

// Runtime is the capability surface. All blocking operations take a
// context; cancelling it releases the underlying OS resource.
type Runtime interface {
	// Name identifies the backing runtime.
	Name() string
	// Go spawns task on the runtime scheduler.
	Go(task func())
	// Sleep pauses until d elapsed or ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
	// Dial opens a TCP connection.
	Dial(ctx context.Context, network, address string) (net.Conn, error)
	// Listen announces on the local network address.
	Listen(network, address string) (net.Listener, error)
	// Files exposes the file access capability.
	Files() afero.Fs
	// OpenHandles reports the number of live sockets owned through this
	// runtime. It returns to baseline once pending work is cancelled.
	OpenHandles() int64
}

var (
	mu       sync.Mutex
	selected Runtime
	used     bool
)

// Use selects the process-wide runtime. It fails with
// shuttle.ErrRuntimeMisuse when a runtime was already selected or already
// used through Current.
func Use(r Runtime) error {
	mu.Lock()
	defer mu.Unlock()
	if used || selected != nil {
		return shuttle.ErrRuntimeMisuse
	}
	selected = r
	return nil
}

// Current returns the selected runtime, lazily selecting Std on first use.
// After the first call the selection is fixed for the process lifetime.
func Current() Runtime {
	mu.Lock()
	defer mu.Unlock()
	if selected == nil {
		selected = NewStd()
	}
	used = true
	return selected
}

// reset clears the selection. Test hook only.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	selected, used = nil, false
}
