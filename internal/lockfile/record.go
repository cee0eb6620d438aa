// pattern: Functional Core
package lockfile

import (
	"encoding/json"
	"fmt"
	"time"
)

const recordVersion = 1

// Record is the coordination state persisted in the lock file. It is only
// ever read or written while holding the exclusive file lock.
type Record struct {
	Version   int        `json:"version"`
	Server    *Server    `json:"server,omitempty"`
	Attachers []Attacher `json:"attachers,omitempty"`
}

// Server identifies the running postmaster. The start time disambiguates
// a reused pid from the process we actually launched.
type Server struct {
	PID         int    `json:"pid"`
	StartUnixMs int64  `json:"start_unix_ms"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port"`
	SocketDir   string `json:"socket_dir,omitempty"`
	// User is the bootstrap role the cluster was initialized with, so
	// attaching processes connect as the role that actually exists.
	User string `json:"user,omitempty"`
}

// Attacher is one consumer process holding references to the server.
// Count is the number of handles that process has open.
type Attacher struct {
	PID             int    `json:"pid"`
	StartUnixMs     int64  `json:"start_unix_ms"`
	Nonce           string `json:"nonce"`
	Count           int    `json:"count"`
	HeartbeatUnixMs int64  `json:"heartbeat_unix_ms"`
}

// Identity names the calling process in the record.
type Identity struct {
	PID         int
	StartUnixMs int64
	Nonce       string
}

func newRecord() *Record {
	return &Record{Version: recordVersion}
}

func decodeRecord(data []byte) (*Record, error) {
	if len(data) == 0 {
		return newRecord(), nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrCorrupt, rec.Version)
	}
	return &rec, nil
}

func (r *Record) encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock record: %w", err)
	}
	return append(data, '\n'), nil
}

// TotalCount is the sum of all attacher handle counts.
func (r *Record) TotalCount() int {
	total := 0
	for _, a := range r.Attachers {
		total += a.Count
	}
	return total
}

// Attach increments the caller's handle count, creating its entry on first
// attach, and refreshes the heartbeat.
func (r *Record) Attach(id Identity, now time.Time) {
	for i := range r.Attachers {
		if r.Attachers[i].is(id) {
			r.Attachers[i].Count++
			r.Attachers[i].HeartbeatUnixMs = now.UnixMilli()
			return
		}
	}
	r.Attachers = append(r.Attachers, Attacher{
		PID:             id.PID,
		StartUnixMs:     id.StartUnixMs,
		Nonce:           id.Nonce,
		Count:           1,
		HeartbeatUnixMs: now.UnixMilli(),
	})
}

// Detach decrements the caller's handle count and drops the entry at zero.
// Reports false when the caller has no entry, which happens when a stale
// sweep from another process already reclaimed it.
func (r *Record) Detach(id Identity, now time.Time) bool {
	for i := range r.Attachers {
		if !r.Attachers[i].is(id) {
			continue
		}
		r.Attachers[i].Count--
		r.Attachers[i].HeartbeatUnixMs = now.UnixMilli()
		if r.Attachers[i].Count <= 0 {
			r.Attachers = append(r.Attachers[:i], r.Attachers[i+1:]...)
		}
		return true
	}
	return false
}

// Touch refreshes the caller's heartbeat if it has an entry.
func (r *Record) Touch(id Identity, now time.Time) {
	for i := range r.Attachers {
		if r.Attachers[i].is(id) {
			r.Attachers[i].HeartbeatUnixMs = now.UnixMilli()
			return
		}
	}
}

// Sweep removes attachers whose process is dead, or whose liveness cannot
// be determined and whose heartbeat is older than staleAfter. The caller's
// own entry is never reclaimed. Returns the removed entries.
//
// A holder that is alive keeps its entry no matter how old the heartbeat
// is; waiting on a live process is always preferred over reclaiming.
func (r *Record) Sweep(self Identity, now time.Time, staleAfter time.Duration, alive LivenessFunc) []Attacher {
	var reclaimed []Attacher
	kept := r.Attachers[:0]

	for _, a := range r.Attachers {
		if a.is(self) {
			kept = append(kept, a)
			continue
		}

		switch alive(a.PID, a.StartUnixMs) {
		case Alive:
			kept = append(kept, a)
		case Dead:
			reclaimed = append(reclaimed, a)
		case Unknown:
			age := now.Sub(time.UnixMilli(a.HeartbeatUnixMs))
			if age > staleAfter {
				reclaimed = append(reclaimed, a)
			} else {
				kept = append(kept, a)
			}
		}
	}

	r.Attachers = kept
	return reclaimed
}

func (a Attacher) is(id Identity) bool {
	return a.PID == id.PID && a.StartUnixMs == id.StartUnixMs && a.Nonce == id.Nonce
}
