// pattern: Imperative Shell

package ready

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gbnst/pgembed/internal/logging"
)

const (
	// DefaultTimeout bounds the whole wait.
	DefaultTimeout = 30 * time.Second
	// DefaultInterval is the pause between probe attempts.
	DefaultInterval = 100 * time.Millisecond
)

// ErrForeignServer means the endpoint answered, but it is served by a
// server running on a different data directory.
var ErrForeignServer = errors.New("endpoint is served by a different data directory")

// Config controls a readiness wait.
type Config struct {
	// URI is the connection string to probe.
	URI string
	// ClusterDir, when set, must match the server's data_directory
	// setting. This catches a stranger already listening on our port.
	ClusterDir string
	Timeout    time.Duration
	Interval   time.Duration
}

// Prober waits for a starting server to accept queries.
type Prober struct {
	cfg    Config
	logger *logging.ScopedLogger
	probe  func(ctx context.Context) error
}

// New creates a Prober that connects with pgx.
func New(cfg Config, logger *logging.ScopedLogger) *Prober {
	p := &Prober{cfg: cfg, logger: logger}
	p.probe = p.connectProbe
	return p
}

// NewWithProbe creates a Prober with a custom probe for testing.
func NewWithProbe(cfg Config, probe func(ctx context.Context) error, logger *logging.ScopedLogger) *Prober {
	return &Prober{cfg: cfg, logger: logger, probe: probe}
}

// Wait blocks until the server accepts queries, a non-retryable error
// occurs, or the timeout elapses.
func (p *Prober) Wait(ctx context.Context) error {
	interval := p.cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := p.probe(waitCtx)
		if err == nil {
			p.logger.Info("server ready",
				"elapsed", time.Since(start).Round(time.Millisecond).String(),
				"attempts", attempt)
			return nil
		}
		lastErr = err

		if waitCtx.Err() != nil {
			return p.timeoutErr(ctx, timeout, lastErr)
		}
		if !retryable(err) {
			return err
		}

		p.logger.Debug("server not ready yet", "attempt", attempt, "error", err)

		select {
		case <-waitCtx.Done():
			return p.timeoutErr(ctx, timeout, lastErr)
		case <-time.After(interval):
		}
	}
}

// timeoutErr distinguishes caller cancellation from the probe deadline.
func (p *Prober) timeoutErr(ctx context.Context, timeout time.Duration, lastErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("server not ready after %s: %w", timeout, lastErr)
}

// connectProbe opens a connection and, when a cluster directory is
// expected, verifies the server is actually ours.
func (p *Prober) connectProbe(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.cfg.URI)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if p.cfg.ClusterDir == "" {
		return conn.Ping(ctx)
	}

	var dataDir string
	if err := conn.QueryRow(ctx, "SELECT current_setting('data_directory')").Scan(&dataDir); err != nil {
		return err
	}
	if filepath.Clean(dataDir) != filepath.Clean(p.cfg.ClusterDir) {
		return fmt.Errorf("%w: endpoint serves %s, want %s", ErrForeignServer, dataDir, p.cfg.ClusterDir)
	}
	return nil
}

// retryable reports whether the probe should keep waiting after err.
// While the server starts up it refuses connections, resets them, or
// rejects them with "the database system is starting up" (57P03).
// See https://www.postgresql.org/docs/current/errcodes-appendix.html
func retryable(err error) bool {
	if errors.Is(err, ErrForeignServer) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "57P03" {
			return true
		}
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			// 28xxx: authentication failures never resolve by waiting.
			// 3Dxxx: the maintenance database is missing.
			case "28", "3D":
				return false
			}
		}
		// The server answered coherently with some other error; more
		// waiting will not change its mind.
		return false
	}

	// Network-level failures while the socket comes up.
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOENT) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// Unknown failure mode: keep trying until the deadline.
	return true
}
