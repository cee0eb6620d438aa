//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gbnst/pgembed"
	"github.com/gbnst/pgembed/internal/datadir"
	"github.com/gbnst/pgembed/internal/logging"
	"github.com/gbnst/pgembed/internal/pgtools"
	"github.com/gbnst/pgembed/internal/ports"
	"github.com/gbnst/pgembed/internal/postmaster"
	"github.com/gbnst/pgembed/internal/ready"
)

func TestFailure_CrashClosesDoneAndReplacementStarts(t *testing.T) {
	SkipIfPostgresMissing(t)
	dir := t.TempDir()

	srv := Acquire(t, dir)
	crashedPID := srv.PID()

	if err := syscall.Kill(crashedPID, syscall.SIGKILL); err != nil {
		t.Fatalf("kill %d: %v", crashedPID, err)
	}

	select {
	case <-srv.Done():
	case <-time.After(15 * time.Second):
		t.Fatal("Done not closed after server was killed")
	}
	if err := srv.Err(); !errors.Is(err, pgembed.ErrServerDied) {
		t.Errorf("Err = %v, want ErrServerDied", err)
	}

	// A fresh attach clears the dead entry and starts a replacement.
	replacement := Acquire(t, dir)
	if replacement.PID() == crashedPID {
		t.Errorf("replacement reports the crashed pid %d", crashedPID)
	}
	MustExec(t, replacement, "postgres", "SELECT 1")

	// The crashed handle is a snapshot of the dead instance.
	if replacement.Err() != nil {
		t.Errorf("replacement already reports %v", replacement.Err())
	}
	if !errors.Is(srv.Err(), pgembed.ErrServerDied) {
		t.Errorf("old handle recovered after replacement start")
	}

	if err := srv.Release(); err != nil {
		t.Errorf("releasing the crashed handle: %v", err)
	}
	MustExec(t, replacement, "postgres", "SELECT 1")
}

func TestFailure_OccupiedPreferredPortFallsBack(t *testing.T) {
	SkipIfPostgresMissing(t)
	dir := t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	srv := Acquire(t, dir,
		pgembed.WithPort(taken),
		pgembed.WithPortRange(taken+1, taken+50),
	)
	if srv.Endpoint().Port == taken {
		t.Fatalf("server claims port %d held by the test listener", taken)
	}
	MustExec(t, srv, "postgres", "SELECT 1")
}

func TestFailure_SocketOnlyServer(t *testing.T) {
	SkipIfPostgresMissing(t)
	dir := t.TempDir()

	srv := Acquire(t, dir, pgembed.WithSocketOnly())

	ep := srv.Endpoint()
	if ep.Host != "" {
		t.Errorf("socket-only server reports host %q", ep.Host)
	}
	if ep.SocketDir == "" {
		t.Fatal("socket-only server reports no socket directory")
	}
	if uri := srv.URI("postgres"); !strings.Contains(uri, "host=") {
		t.Errorf("URI %q does not route through the socket directory", uri)
	}
	MustExec(t, srv, "postgres", "SELECT 1")
}

// startOrphan brings up a server the way a crashed manager would have left
// it: initialized cluster, live postmaster, no lock record.
func startOrphan(t *testing.T, dir string) postmaster.Proc {
	t.Helper()

	install, err := pgtools.Resolve("")
	if err != nil {
		t.Fatalf("resolve binaries: %v", err)
	}
	runner := pgtools.NewRunner(install, logging.NopLogger())

	layout := datadir.NewLayout(dir)
	if err := layout.Ensure(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	err = datadir.Initialize(ctx, layout, func(ctx context.Context, clusterDir string) error {
		return runner.InitDB(ctx, clusterDir, "postgres")
	})
	if err != nil {
		t.Fatalf("initialize cluster: %v", err)
	}

	sockDir, err := ports.EnsureSocketDir(dir)
	if err != nil {
		t.Fatalf("ensure socket dir: %v", err)
	}
	port, err := ports.Allocator{RangeStart: 5433, RangeEnd: 5533}.Allocate(nil)
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}

	proc, err := postmaster.Start(postmaster.StartConfig{
		Binary:     install.Tool("postgres"),
		ClusterDir: layout.Cluster,
		Port:       port,
		SocketDir:  sockDir,
		LogPath:    layout.ServerLog,
	}, logging.NopLogger())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = postmaster.Stop(proc, 30*time.Second, logging.NopLogger()) })

	ep := pgembed.Endpoint{Host: "127.0.0.1", Port: port, SocketDir: sockDir}
	prober := ready.New(ready.Config{
		URI:        ep.URI("postgres", "postgres"),
		ClusterDir: layout.Cluster,
	}, logging.NopLogger())
	if err := prober.Wait(ctx); err != nil {
		t.Fatalf("orphan never became ready: %v", err)
	}
	return proc
}

func TestFailure_OrphanAdopted(t *testing.T) {
	SkipIfPostgresMissing(t)
	dir := t.TempDir()

	orphan := startOrphan(t, dir)

	srv := Acquire(t, dir)
	if srv.PID() != orphan.PID {
		t.Fatalf("started pid %d instead of adopting orphan pid %d", srv.PID(), orphan.PID)
	}
	MustExec(t, srv, "postgres", "SELECT 1")

	rec := PeekRecord(t, dir)
	if rec.Server == nil || rec.Server.PID != orphan.PID {
		t.Fatalf("adopted server not recorded: %+v", rec.Server)
	}

	if err := srv.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if postmaster.Alive(orphan) {
		t.Error("orphan still running after the last release")
	}
}
