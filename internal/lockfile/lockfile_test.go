package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCoordinator(t *testing.T, path string, id Identity) *Coordinator {
	t.Helper()
	c, err := New(path, Options{
		LockTimeout: 5 * time.Second,
		Self:        &id,
		Liveness:    func(int, int64) Liveness { return Alive },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestCoordinator_AttachPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	ctx := context.Background()

	c1 := testCoordinator(t, path, idA)
	err := c1.WithExclusive(ctx, func(rec *Record) error {
		rec.Attach(c1.Self(), time.Now())
		rec.Server = &Server{PID: 999, StartUnixMs: 1, Port: 5433}
		return nil
	})
	if err != nil {
		t.Fatalf("WithExclusive() error = %v", err)
	}

	// A second coordinator sees the persisted state.
	c2 := testCoordinator(t, path, idB)
	err = c2.WithExclusive(ctx, func(rec *Record) error {
		if rec.TotalCount() != 1 {
			t.Errorf("TotalCount() = %d, want 1", rec.TotalCount())
		}
		if rec.Server == nil || rec.Server.Port != 5433 {
			t.Errorf("Server = %+v", rec.Server)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithExclusive() error = %v", err)
	}
}

func TestCoordinator_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	ctx := context.Background()

	c1 := testCoordinator(t, path, idA)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- c1.WithExclusive(ctx, func(rec *Record) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	// While c1 holds the lock, another coordinator times out quickly.
	c2, err := New(path, Options{
		LockTimeout: 300 * time.Millisecond,
		Self:        &idB,
		Liveness:    func(int, int64) Liveness { return Alive },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	err = c2.WithExclusive(ctx, func(*Record) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("WithExclusive() while held = %v, want ErrTimeout", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder WithExclusive() error = %v", err)
	}

	// Lock is free again.
	if err := c2.WithExclusive(ctx, func(*Record) error { return nil }); err != nil {
		t.Fatalf("WithExclusive() after release error = %v", err)
	}
}

func TestCoordinator_SerializesGoroutines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	ctx := context.Background()
	c := testCoordinator(t, path, idA)

	const workers = 8
	counter := 0
	errs := make(chan error, workers)
	for range workers {
		go func() {
			errs <- c.WithExclusive(ctx, func(rec *Record) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	for range workers {
		if err := <-errs; err != nil {
			t.Fatalf("WithExclusive() error = %v", err)
		}
	}
	if counter != workers {
		t.Errorf("counter = %d, want %d (critical sections overlapped)", counter, workers)
	}
}

func TestCoordinator_CallerCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	c1 := testCoordinator(t, path, idA)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c1.WithExclusive(context.Background(), func(*Record) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	c2 := testCoordinator(t, path, idB)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := c2.WithExclusive(ctx, func(*Record) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WithExclusive() = %v, want context.Canceled", err)
	}
}

func TestCoordinator_SweepReclaimsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	ctx := context.Background()

	// idB attaches, then its process "dies".
	cB := testCoordinator(t, path, idB)
	err := cB.WithExclusive(ctx, func(rec *Record) error {
		rec.Attach(cB.Self(), time.Now())
		return nil
	})
	if err != nil {
		t.Fatalf("WithExclusive() error = %v", err)
	}

	cA, err := New(path, Options{
		LockTimeout: 5 * time.Second,
		Self:        &idA,
		Liveness: func(pid int, _ int64) Liveness {
			if pid == idB.PID {
				return Dead
			}
			return Alive
		},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	err = cA.WithExclusive(ctx, func(rec *Record) error {
		if rec.TotalCount() != 0 {
			t.Errorf("TotalCount() = %d, want 0 after sweep", rec.TotalCount())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithExclusive() error = %v", err)
	}
}

func TestCoordinator_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgembed.lock")
	if err := os.WriteFile(path, []byte("{{{ not json"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	c := testCoordinator(t, path, idA)
	called := false
	err := c.WithExclusive(context.Background(), func(*Record) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("WithExclusive() = %v, want ErrCorrupt", err)
	}
	if called {
		t.Error("fn must not run on a corrupt record")
	}

	// The corrupt record is preserved for inspection, not rewritten.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "{{{ not json" {
		t.Errorf("corrupt record was rewritten: %q", data)
	}
}

func TestCoordinator_FnErrorSkipsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	ctx := context.Background()
	c := testCoordinator(t, path, idA)

	boom := errors.New("boom")
	err := c.WithExclusive(ctx, func(rec *Record) error {
		rec.Attach(c.Self(), time.Now())
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithExclusive() = %v, want boom", err)
	}

	err = c.WithExclusive(ctx, func(rec *Record) error {
		if rec.TotalCount() != 0 {
			t.Errorf("TotalCount() = %d, want 0 (failed mutation persisted)", rec.TotalCount())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithExclusive() error = %v", err)
	}
}

func TestCoordinator_Peek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgembed.lock")
	ctx := context.Background()
	c := testCoordinator(t, path, idA)

	// Missing file: fresh record
	rec, err := c.Peek()
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if rec.TotalCount() != 0 {
		t.Errorf("TotalCount() = %d, want 0", rec.TotalCount())
	}

	err = c.WithExclusive(ctx, func(rec *Record) error {
		rec.Attach(c.Self(), time.Now())
		return nil
	})
	if err != nil {
		t.Fatalf("WithExclusive() error = %v", err)
	}

	rec, err = c.Peek()
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if rec.TotalCount() != 1 {
		t.Errorf("TotalCount() = %d, want 1", rec.TotalCount())
	}
}

func TestDefaultLiveness_Self(t *testing.T) {
	self, err := Self()
	if err != nil {
		t.Fatalf("Self() error = %v", err)
	}

	if got := DefaultLiveness(self.PID, self.StartUnixMs); got != Alive {
		t.Errorf("DefaultLiveness(self) = %v, want Alive", got)
	}

	// A recycled pid shows up as a start-time mismatch.
	if got := DefaultLiveness(self.PID, self.StartUnixMs-3600_000); got != Dead {
		t.Errorf("DefaultLiveness(self, old start) = %v, want Dead", got)
	}
}
