package lockfile

import (
	"errors"
	"testing"
	"time"
)

var (
	idA = Identity{PID: 100, StartUnixMs: 1000, Nonce: "aaaa"}
	idB = Identity{PID: 200, StartUnixMs: 2000, Nonce: "bbbb"}
)

func TestRecord_AttachDetach(t *testing.T) {
	rec := newRecord()
	now := time.Now()

	rec.Attach(idA, now)
	rec.Attach(idA, now)
	rec.Attach(idB, now)

	if got := rec.TotalCount(); got != 3 {
		t.Errorf("TotalCount() = %d, want 3", got)
	}
	if len(rec.Attachers) != 2 {
		t.Errorf("attacher entries = %d, want 2", len(rec.Attachers))
	}

	if !rec.Detach(idA, now) {
		t.Error("Detach(idA) should find the entry")
	}
	if got := rec.TotalCount(); got != 2 {
		t.Errorf("TotalCount() after detach = %d, want 2", got)
	}

	// Second detach removes A's entry entirely
	rec.Detach(idA, now)
	if len(rec.Attachers) != 1 {
		t.Errorf("attacher entries = %d, want 1", len(rec.Attachers))
	}

	// Detaching a process with no entry reports false
	if rec.Detach(idA, now) {
		t.Error("Detach() with no entry should report false")
	}
}

func TestRecord_AttachSamePidDifferentNonce(t *testing.T) {
	rec := newRecord()
	now := time.Now()

	// Same pid and start time but a different nonce is a different holder.
	other := Identity{PID: idA.PID, StartUnixMs: idA.StartUnixMs, Nonce: "cccc"}
	rec.Attach(idA, now)
	rec.Attach(other, now)

	if len(rec.Attachers) != 2 {
		t.Errorf("attacher entries = %d, want 2", len(rec.Attachers))
	}
}

func TestRecord_Sweep(t *testing.T) {
	now := time.Now()
	staleAfter := 30 * time.Second

	rec := newRecord()
	rec.Attach(idA, now) // self
	rec.Attach(idB, now) // dead

	liveness := func(pid int, startUnixMs int64) Liveness {
		if pid == idB.PID {
			return Dead
		}
		return Alive
	}

	reclaimed := rec.Sweep(idA, now, staleAfter, liveness)
	if len(reclaimed) != 1 || reclaimed[0].PID != idB.PID {
		t.Fatalf("reclaimed = %+v, want idB only", reclaimed)
	}
	if len(rec.Attachers) != 1 || rec.Attachers[0].PID != idA.PID {
		t.Errorf("kept = %+v, want idA only", rec.Attachers)
	}
}

func TestRecord_SweepNeverReclaimsSelf(t *testing.T) {
	now := time.Now()
	rec := newRecord()
	rec.Attach(idA, now.Add(-time.Hour)) // ancient heartbeat

	// Even a liveness func that calls everything dead must not touch self.
	reclaimed := rec.Sweep(idA, now, time.Second, func(int, int64) Liveness { return Dead })
	if len(reclaimed) != 0 {
		t.Errorf("reclaimed = %+v, want none", reclaimed)
	}
}

func TestRecord_SweepUnknownLiveness(t *testing.T) {
	now := time.Now()
	staleAfter := 30 * time.Second
	unknown := func(int, int64) Liveness { return Unknown }

	// Fresh heartbeat: kept
	rec := newRecord()
	rec.Attach(idB, now.Add(-staleAfter/2))
	if reclaimed := rec.Sweep(idA, now, staleAfter, unknown); len(reclaimed) != 0 {
		t.Errorf("fresh unknown holder reclaimed: %+v", reclaimed)
	}

	// Stale heartbeat: reclaimed
	rec = newRecord()
	rec.Attach(idB, now.Add(-2*staleAfter))
	if reclaimed := rec.Sweep(idA, now, staleAfter, unknown); len(reclaimed) != 1 {
		t.Errorf("stale unknown holder kept: %+v", rec.Attachers)
	}
}

func TestRecord_SweepKeepsAliveRegardlessOfHeartbeat(t *testing.T) {
	now := time.Now()
	rec := newRecord()
	rec.Attach(idB, now.Add(-time.Hour))

	reclaimed := rec.Sweep(idA, now, time.Second, func(int, int64) Liveness { return Alive })
	if len(reclaimed) != 0 {
		t.Errorf("live holder reclaimed: %+v", reclaimed)
	}
}

func TestRecord_EncodeDecode(t *testing.T) {
	now := time.Now()
	rec := newRecord()
	rec.Server = &Server{PID: 4821, StartUnixMs: 12345, Host: "127.0.0.1", Port: 5433, SocketDir: "/tmp/s"}
	rec.Attach(idA, now)

	data, err := rec.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	got, err := decodeRecord(data)
	if err != nil {
		t.Fatalf("decodeRecord() error = %v", err)
	}
	if got.Server == nil || got.Server.Port != 5433 || got.Server.PID != 4821 {
		t.Errorf("Server = %+v", got.Server)
	}
	if got.TotalCount() != 1 {
		t.Errorf("TotalCount() = %d, want 1", got.TotalCount())
	}
}

func TestDecodeRecord_Empty(t *testing.T) {
	rec, err := decodeRecord(nil)
	if err != nil {
		t.Fatalf("decodeRecord(nil) error = %v", err)
	}
	if rec.Version != recordVersion || rec.Server != nil || len(rec.Attachers) != 0 {
		t.Errorf("fresh record = %+v", rec)
	}
}

func TestDecodeRecord_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", "not json at all"},
		{"truncated", `{"version":1,"attach`},
		{"wrong version", `{"version":99}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRecord([]byte(tt.data))
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("decodeRecord() error = %v, want ErrCorrupt", err)
			}
		})
	}
}
