package pgembed

import (
	"errors"

	"github.com/gbnst/pgembed/internal/lockfile"
	"github.com/gbnst/pgembed/internal/ports"
)

// Sentinel errors, matched with errors.Is. GetServer and Release wrap
// them with detail about the directory, endpoint, or process involved.
var (
	// ErrDirectoryCorrupt means the data directory is neither empty nor
	// a recognizable cluster. Nothing is repaired or deleted; the caller
	// decides what the directory is worth.
	ErrDirectoryCorrupt = errors.New("data directory corrupt")

	// ErrStartupFailed means the server process exited during startup or
	// never accepted connections within the startup timeout.
	ErrStartupFailed = errors.New("server startup failed")

	// ErrServerDied means the server exited after handles were given out.
	ErrServerDied = errors.New("server died")

	// ErrLockTimeout means the coordination lock stayed held past the
	// lock timeout.
	ErrLockTimeout = lockfile.ErrTimeout

	// ErrLockRecordCorrupt means the lock record could not be decoded.
	ErrLockRecordCorrupt = lockfile.ErrCorrupt

	// ErrNoAvailableEndpoint means no candidate port could be bound.
	ErrNoAvailableEndpoint = ports.ErrExhausted
)
