// pattern: Functional Core

package postmaster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PidFileName is the lock file the server maintains in its cluster
// directory while running.
const PidFileName = "postmaster.pid"

// StatusReady is the pid file status once the server accepts connections.
const StatusReady = "ready"

// PidFile is the parsed contents of a postmaster.pid file. The file holds
// one value per line: pid, data directory, start time (unix seconds),
// port, socket directory, listen address, shared memory key, status.
type PidFile struct {
	PID        int
	DataDir    string
	StartTime  int64
	Port       int
	SocketDir  string
	ListenAddr string
	Status     string
}

// ReadPidFile reads and parses the pid file in clusterDir. A missing file
// surfaces as an os.IsNotExist error.
func ReadPidFile(clusterDir string) (*PidFile, error) {
	data, err := os.ReadFile(filepath.Join(clusterDir, PidFileName))
	if err != nil {
		return nil, err
	}
	return parsePidFile(string(data))
}

// parsePidFile tolerates short files: the server writes the file
// incrementally during startup, and only the pid line is guaranteed.
func parsePidFile(content string) (*PidFile, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, errors.New("pid file is empty")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("bad pid line %q: %w", lines[0], err)
	}

	field := func(i int) string {
		if i < len(lines) {
			return strings.TrimSpace(lines[i])
		}
		return ""
	}

	pf := &PidFile{PID: pid}
	pf.DataDir = field(1)
	pf.StartTime, _ = strconv.ParseInt(field(2), 10, 64)
	pf.Port, _ = strconv.Atoi(field(3))
	pf.SocketDir = field(4)
	pf.ListenAddr = field(5)
	// field(6) is the shared memory key, which we have no use for.
	pf.Status = field(7)

	return pf, nil
}

// Ready reports whether the pid file declares the server ready for
// connections.
func (pf *PidFile) Ready() bool {
	return pf.Status == StatusReady
}
