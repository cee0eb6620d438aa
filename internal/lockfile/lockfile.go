// pattern: Imperative Shell
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/gbnst/pgembed/internal/logging"
)

var (
	// ErrTimeout means the exclusive lock could not be acquired in time.
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrCorrupt means the persisted record could not be decoded. The
	// record is never repaired or overwritten in this state.
	ErrCorrupt = errors.New("lock record corrupt")
)

const (
	// DefaultLockTimeout is generous because the holder may be running
	// initdb or waiting for server readiness.
	DefaultLockTimeout = 60 * time.Second
	DefaultStaleAfter  = 30 * time.Second

	retryDelay = 100 * time.Millisecond
)

// Options configures a Coordinator. Zero values get defaults.
type Options struct {
	LockTimeout time.Duration
	StaleAfter  time.Duration
	// Liveness and Self are injectable for tests.
	Liveness LivenessFunc
	Self     *Identity
	// Logger may be nil.
	Logger *logging.ScopedLogger
}

// Coordinator serializes access to one data directory across processes
// using flock(2) on the lock file, and maintains the record stored in it.
//
// Two Coordinators on the same path exclude each other even within one
// process (flock locks are per file description). Goroutines sharing a
// single Coordinator are serialized by an internal semaphore, since a
// flock handle would happily re-enter.
type Coordinator struct {
	path       string
	fl         *flock.Flock
	sem        chan struct{}
	logger     *logging.ScopedLogger
	timeout    time.Duration
	staleAfter time.Duration
	liveness   LivenessFunc
	self       Identity
}

// New creates a Coordinator for the lock file at path. The parent
// directory must exist.
func New(path string, opts Options) (*Coordinator, error) {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Liveness == nil {
		opts.Liveness = DefaultLiveness
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}

	var self Identity
	if opts.Self != nil {
		self = *opts.Self
	} else {
		var err error
		self, err = Self()
		if err != nil {
			return nil, fmt.Errorf("failed to identify own process: %w", err)
		}
	}

	return &Coordinator{
		path:       path,
		fl:         flock.New(path),
		sem:        make(chan struct{}, 1),
		logger:     opts.Logger,
		timeout:    opts.LockTimeout,
		staleAfter: opts.StaleAfter,
		liveness:   opts.Liveness,
		self:       self,
	}, nil
}

// Self returns the identity this coordinator attaches under.
func (c *Coordinator) Self() Identity {
	return c.self
}

// Path returns the lock file path.
func (c *Coordinator) Path() string {
	return c.path
}

// WithExclusive runs fn with the exclusive lock held. The record passed to
// fn has already had stale attachers swept and the caller's heartbeat
// refreshed; mutations fn makes are persisted when it returns nil.
//
// The critical section spans whatever fn does, which may include initdb
// and server startup. Other processes wait up to their own lock timeout.
func (c *Coordinator) WithExclusive(ctx context.Context, fn func(rec *Record) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// In-process serialization first; the flock handle re-enters.
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-lockCtx.Done():
		return lockTimeoutErr(ctx)
	}

	locked, err := c.fl.TryLockContext(lockCtx, retryDelay)
	if err != nil {
		if lockCtx.Err() != nil {
			return lockTimeoutErr(ctx)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return lockTimeoutErr(ctx)
	}
	defer func() {
		if uerr := c.fl.Unlock(); uerr != nil {
			c.logger.Warn("failed to release lock", "path", c.path, "error", uerr)
		}
	}()

	rec, err := c.read()
	if err != nil {
		return err
	}

	now := time.Now()
	reclaimed := rec.Sweep(c.self, now, c.staleAfter, c.liveness)
	for _, a := range reclaimed {
		c.logger.Warn("reclaimed stale lock holder",
			"pid", a.PID,
			"nonce", a.Nonce,
			"count", a.Count,
			"heartbeat_age", now.Sub(time.UnixMilli(a.HeartbeatUnixMs)).Round(time.Second).String(),
		)
	}
	rec.Touch(c.self, now)

	if err := fn(rec); err != nil {
		// fn failed; leave the persisted record as it was.
		return err
	}

	return c.write(rec)
}

// Peek returns a point-in-time snapshot of the record without taking the
// lock. Concurrent writers can race a partial read; callers wanting
// consistency must use WithExclusive.
func (c *Coordinator) Peek() (*Record, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newRecord(), nil
		}
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		// One retry covers the torn-read race against a concurrent write.
		time.Sleep(50 * time.Millisecond)
		data, rerr := os.ReadFile(c.path)
		if rerr != nil {
			return nil, err
		}
		return decodeRecord(data)
	}
	return rec, nil
}

func (c *Coordinator) read() (*Record, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newRecord(), nil
		}
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}
	return decodeRecord(data)
}

// write persists the record in place. The file is truncated rather than
// renamed so the inode the flock is held on survives.
func (c *Coordinator) write(rec *Record) error {
	data, err := rec.encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return nil
}

// lockTimeoutErr distinguishes caller cancellation from our own deadline.
func lockTimeoutErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrTimeout
}
