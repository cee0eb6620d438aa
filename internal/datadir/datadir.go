// pattern: Imperative Shell
package datadir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// State classifies a cluster directory before the manager acts on it.
type State int

const (
	// Uninitialized means the cluster directory is absent or empty and
	// initdb may run.
	Uninitialized State = iota
	// Initialized means a complete cluster is present.
	Initialized
	// Corrupt means the directory is neither empty nor a recognizable
	// cluster. It is never repaired automatically.
	Corrupt
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Layout maps a managed data directory onto the paths the manager uses.
// The cluster lives in a subdirectory so that the lock record and logs can
// exist before initdb runs (initdb insists on an empty target).
type Layout struct {
	Root      string // caller-supplied data directory
	Cluster   string // PGDATA
	LockFile  string // flock target and lock record
	LogDir    string
	ServerLog string // postgres stdout/stderr
}

// NewLayout resolves the managed paths under root.
func NewLayout(root string) Layout {
	return Layout{
		Root:      root,
		Cluster:   filepath.Join(root, "data"),
		LockFile:  filepath.Join(root, "pgembed.lock"),
		LogDir:    filepath.Join(root, "log"),
		ServerLog: filepath.Join(root, "log", "postgres.log"),
	}
}

// Ensure creates the root and log directories. The cluster directory is
// left to initdb.
func (l Layout) Ensure() error {
	if err := os.MkdirAll(l.Root, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(l.LogDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Inspect classifies the cluster directory.
//
// A directory is Initialized when PG_VERSION is present and non-empty and
// the base and global subdirectories exist. An absent or empty directory
// is Uninitialized. Everything else is Corrupt, including a root that is
// itself a raw cluster (the manager owns the layout under root).
func Inspect(l Layout) (State, error) {
	// A PG_VERSION directly under root means the caller pointed us at an
	// existing PGDATA rather than a managed directory.
	if fileNonEmpty(filepath.Join(l.Root, "PG_VERSION")) {
		return Corrupt, nil
	}

	entries, err := os.ReadDir(l.Cluster)
	if err != nil {
		if os.IsNotExist(err) {
			return Uninitialized, nil
		}
		return Corrupt, fmt.Errorf("failed to read cluster directory: %w", err)
	}
	if len(entries) == 0 {
		return Uninitialized, nil
	}

	if !fileNonEmpty(filepath.Join(l.Cluster, "PG_VERSION")) {
		return Corrupt, nil
	}
	for _, sub := range []string{"base", "global"} {
		info, err := os.Stat(filepath.Join(l.Cluster, sub))
		if err != nil || !info.IsDir() {
			return Corrupt, nil
		}
	}

	return Initialized, nil
}

// Version reads the cluster's major version marker, e.g. "16".
func Version(l Layout) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.Cluster, "PG_VERSION"))
	if err != nil {
		return "", fmt.Errorf("failed to read PG_VERSION: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// InitFunc creates a new cluster at the given directory.
type InitFunc func(ctx context.Context, clusterDir string) error

// Initialize runs the cluster initializer and verifies the result.
// Callers must hold the coordination lock.
func Initialize(ctx context.Context, l Layout, run InitFunc) error {
	if err := run(ctx, l.Cluster); err != nil {
		return err
	}

	state, err := Inspect(l)
	if err != nil {
		return err
	}
	if state != Initialized {
		return fmt.Errorf("cluster directory is %s after initialization", state)
	}
	return nil
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
