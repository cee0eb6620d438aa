// pattern: Imperative Shell
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/process"
)

// Liveness classifies a recorded holder process.
type Liveness int

const (
	// Dead means the process is gone, or its pid now belongs to a
	// different process (start time mismatch).
	Dead Liveness = iota
	// Alive means the pid exists with the recorded start time.
	Alive
	// Unknown means the check itself failed. Holders in this state are
	// kept until their heartbeat goes stale.
	Unknown
)

// startTimeToleranceMs absorbs rounding in /proc-derived start times.
const startTimeToleranceMs = 1000

// LivenessFunc reports whether the process identified by pid and start time
// (unix milliseconds) is still running. Tests inject fakes.
type LivenessFunc func(pid int, startUnixMs int64) Liveness

// DefaultLiveness checks the process table. The recorded start time guards
// against a recycled pid counting as the original holder.
func DefaultLiveness(pid int, startUnixMs int64) Liveness {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return Unknown
	}
	if !exists {
		return Dead
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Dead
		}
		return Unknown
	}

	created, err := p.CreateTime()
	if err != nil {
		return Unknown
	}
	if absMs(created-startUnixMs) > startTimeToleranceMs {
		return Dead
	}
	return Alive
}

// ProcessStartTime returns the start time of the given pid in unix
// milliseconds, as recorded in lock entries.
func ProcessStartTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	created, err := p.CreateTime()
	if err != nil {
		return 0, fmt.Errorf("failed to read start time of process %d: %w", pid, err)
	}
	return created, nil
}

// processNonce distinguishes this process instance in lock records beyond
// pid and start time.
var processNonce = xid.New().String()

// Self returns the identity the current process writes into lock records.
func Self() (Identity, error) {
	pid := os.Getpid()
	started, err := ProcessStartTime(pid)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PID: pid, StartUnixMs: started, Nonce: processNonce}, nil
}

func absMs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
