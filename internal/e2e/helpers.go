//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gbnst/pgembed"
	"github.com/gbnst/pgembed/internal/datadir"
	"github.com/gbnst/pgembed/internal/lockfile"
	"github.com/gbnst/pgembed/internal/pgtools"
)

// acquireTimeout bounds attach including a possible initdb run.
const acquireTimeout = 90 * time.Second

// SkipIfPostgresMissing skips the test when no server binaries are
// resolvable through a configured bin dir, PGEMBED_POSTGRES_BIN, or PATH.
func SkipIfPostgresMissing(t *testing.T) {
	t.Helper()
	if _, err := pgtools.Resolve(""); err != nil {
		t.Skipf("Skipping test: %v", err)
	}
}

// UniqueDatabase returns a database name no other test run uses, so
// suites can share a cluster without stepping on each other.
func UniqueDatabase() string {
	return "e2e_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Acquire attaches to the server in dir and releases the handle when the
// test ends, whichever way it exits. Release is idempotent, so tests that
// release explicitly are fine too.
func Acquire(t *testing.T, dir string, opts ...pgembed.Option) *pgembed.Server {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	srv, err := pgembed.GetServer(ctx, dir, opts...)
	if err != nil {
		t.Fatalf("GetServer(%s): %v", dir, err)
	}
	t.Cleanup(func() { _ = srv.Release() })
	return srv
}

// MustExec runs one statement on the given database.
func MustExec(t *testing.T, srv *pgembed.Server, database, sql string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := srv.Connect(ctx, database)
	if err != nil {
		t.Fatalf("connect to %s: %v", database, err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, sql); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

// QueryInt runs a query returning a single integer.
func QueryInt(t *testing.T, srv *pgembed.Server, database, sql string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := srv.Connect(ctx, database)
	if err != nil {
		t.Fatalf("connect to %s: %v", database, err)
	}
	defer conn.Close(ctx)

	var n int
	if err := conn.QueryRow(ctx, sql).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", sql, err)
	}
	return n
}

// PeekRecord reads the lock record of dir without locking.
func PeekRecord(t *testing.T, dir string) *lockfile.Record {
	t.Helper()

	layout := datadir.NewLayout(dir)
	coord, err := lockfile.New(layout.LockFile, lockfile.Options{})
	if err != nil {
		t.Fatalf("lockfile.New: %v", err)
	}
	rec, err := coord.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	return rec
}
