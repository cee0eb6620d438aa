package pgembed

import (
	"context"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// Server is one reference on a running embedded server. Handles may be
// shared between goroutines. Each handle must be Released; the server
// stops when the last reference across all processes is gone.
//
// A handle is a snapshot of the server it attached to. If that server
// dies and a later GetServer call starts a replacement, old handles keep
// reporting the dead instance; take a fresh handle to reach the new one.
type Server struct {
	st       *state
	endpoint Endpoint
	pid      int
	user     string
	died     <-chan struct{}
	released atomic.Bool
}

// Endpoint reports where the server listens.
func (s *Server) Endpoint() Endpoint { return s.endpoint }

// PID reports the server's process id.
func (s *Server) PID() int { return s.pid }

// DataDir reports the managed data directory.
func (s *Server) DataDir() string { return s.st.dataDir }

// URI renders a connection string for database as the superuser.
func (s *Server) URI(database string) string {
	return s.endpoint.URI(s.user, database)
}

// Connect opens a pgx connection to database as the superuser.
func (s *Server) Connect(ctx context.Context, database string) (*pgx.Conn, error) {
	return pgx.Connect(ctx, s.URI(database))
}

// Done is closed when the server process exits without this process
// having stopped it.
func (s *Server) Done() <-chan struct{} { return s.died }

// Err reports ErrServerDied once the server is gone, nil while it runs.
func (s *Server) Err() error {
	select {
	case <-s.died:
		return ErrServerDied
	default:
		return nil
	}
}

// Release returns this reference. Releasing an already released handle
// is a no-op. The last release across all attached processes shuts the
// server down; that caller pays for the shutdown and gets its error.
// When the release cannot be written to the lock record, the reference
// stays live and Release may be called again.
func (s *Server) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	return s.st.release(s)
}
