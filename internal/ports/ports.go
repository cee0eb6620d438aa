// pattern: Imperative Shell
package ports

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// ErrExhausted means every candidate port was busy.
var ErrExhausted = errors.New("no available port in range")

// Allocator probes candidate TCP ports by binding and releasing them.
// A port that probes free can still be taken before the server binds it;
// callers retry Allocate with the lost candidate in skip.
type Allocator struct {
	Preferred  int
	RangeStart int
	RangeEnd   int
	Host       string // bind host, default 127.0.0.1
}

// Allocate returns the preferred port when free, otherwise the first free
// port in the range. Ports in skip are not considered.
func (a Allocator) Allocate(skip map[int]bool) (int, error) {
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}

	if a.Preferred > 0 && !skip[a.Preferred] && probe(host, a.Preferred) {
		return a.Preferred, nil
	}

	for port := a.RangeStart; port <= a.RangeEnd; port++ {
		if port == a.Preferred || skip[port] {
			continue
		}
		if probe(host, port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w (%d and %d-%d)", ErrExhausted, a.Preferred, a.RangeStart, a.RangeEnd)
}

func probe(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// SocketDir derives a short, stable unix socket directory for a data
// directory. sun_path is limited to ~107 bytes, so sockets cannot live
// under an arbitrarily deep data directory; a hash of the path keeps the
// mapping stable per directory and distinct across directories.
func SocketDir(dataDir string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(dataDir)))
	return filepath.Join(os.TempDir(), "pgembed-"+hex.EncodeToString(sum[:])[:12])
}

// EnsureSocketDir creates the derived socket directory.
func EnsureSocketDir(dataDir string) (string, error) {
	dir := SocketDir(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create socket directory: %w", err)
	}
	return dir, nil
}
