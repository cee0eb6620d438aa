// pattern: Imperative Shell

package pgtools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gbnst/pgembed/internal/logging"
)

// BinDirEnv overrides installation discovery when set.
const BinDirEnv = "PGEMBED_POSTGRES_BIN"

// ErrNotFound indicates no usable server installation could be located.
var ErrNotFound = errors.New("postgres installation not found")

// requiredTools must be present in a bin directory for it to count as an
// installation.
var requiredTools = []string{"initdb", "postgres"}

// dataDirTools refuse to run without a data directory argument.
var dataDirTools = map[string]bool{
	"initdb":  true,
	"pg_ctl":  true,
	"pg_dump": true,
}

// Installation is a resolved directory of server binaries.
type Installation struct {
	BinDir string
}

// Resolve locates the server binaries. An explicit binDir wins, then the
// PGEMBED_POSTGRES_BIN environment variable, then whichever initdb is on
// PATH.
func Resolve(binDir string) (Installation, error) {
	if binDir != "" {
		return checkBinDir(binDir)
	}
	if env := os.Getenv(BinDirEnv); env != "" {
		return checkBinDir(env)
	}

	path, err := exec.LookPath("initdb")
	if err != nil {
		return Installation{}, fmt.Errorf("%w: no bin directory configured, %s unset and initdb not on PATH", ErrNotFound, BinDirEnv)
	}
	// Resolve symlinks so sibling tools are found next to the real binary.
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return checkBinDir(filepath.Dir(path))
}

// checkBinDir verifies the directory holds the tools we cannot run without.
func checkBinDir(dir string) (Installation, error) {
	for _, tool := range requiredTools {
		if _, err := os.Stat(filepath.Join(dir, tool)); err != nil {
			return Installation{}, fmt.Errorf("%w: %s missing from %s", ErrNotFound, tool, dir)
		}
	}
	return Installation{BinDir: dir}, nil
}

// Tool returns the path of a binary within the installation.
func (i Installation) Tool(name string) string {
	return filepath.Join(i.BinDir, name)
}

// extensionDirs returns the candidate extension directories relative to the
// bin directory. Layouts differ between source builds and distro packages,
// so both common relative locations are tried.
func (i Installation) extensionDirs() []string {
	root := filepath.Dir(i.BinDir)
	return []string{
		filepath.Join(root, "share", "postgresql", "extension"),
		filepath.Join(root, "share", "extension"),
	}
}

// CommandExecutor is a function that executes a command and returns its output.
type CommandExecutor func(ctx context.Context, name string, args ...string) (string, error)

// defaultExecutor runs commands using os/exec.
//
// Output goes through buffers rather than pipes: some server tools (pg_ctl
// in particular) hold their stdio open in child processes, and reading a
// pipe until EOF would hang.
func defaultExecutor(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), err
	}

	return stdout.String(), nil
}

// Runner invokes tools from a server installation.
type Runner struct {
	install Installation
	exec    CommandExecutor
	logger  *logging.ScopedLogger
}

// NewRunner creates a Runner for the given installation.
func NewRunner(install Installation, logger *logging.ScopedLogger) *Runner {
	return &Runner{
		install: install,
		exec:    defaultExecutor,
		logger:  logger,
	}
}

// NewRunnerWithExecutor creates a Runner with a custom executor for testing.
func NewRunnerWithExecutor(install Installation, exec CommandExecutor, logger *logging.ScopedLogger) *Runner {
	return &Runner{
		install: install,
		exec:    exec,
		logger:  logger,
	}
}

// Installation returns the installation the runner invokes tools from.
func (r *Runner) Installation() Installation {
	return r.install
}

// Run executes a tool from the installation and returns its stdout.
// When dataDir is non-empty it is passed as a leading -D argument; tools
// that cannot operate without one reject an empty dataDir.
func (r *Runner) Run(ctx context.Context, tool, dataDir string, args ...string) (string, error) {
	if dataDirTools[tool] && dataDir == "" {
		return "", fmt.Errorf("%s requires a data directory", tool)
	}

	full := args
	if dataDir != "" {
		full = append([]string{"-D", dataDir}, args...)
	}

	r.logger.Info("running tool", "tool", tool, "args", fmt.Sprintf("%v", full))

	out, err := r.exec(ctx, r.install.Tool(tool), full...)
	if err != nil {
		r.logger.Error("tool failed", "tool", tool, "error", err)
		return out, fmt.Errorf("%s: %w", tool, err)
	}

	r.logger.Debug("tool finished", "tool", tool, "stdout_bytes", len(out))
	return out, nil
}

// InitDB creates a new cluster under clusterDir owned by superuser, with
// trust auth so local connections need no password.
func (r *Runner) InitDB(ctx context.Context, clusterDir, superuser string) error {
	_, err := r.Run(ctx, "initdb", clusterDir,
		"-A", "trust",
		"-U", superuser,
		"-E", "UTF8",
	)
	return err
}

// Version reports the server version, e.g. "16.4".
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "postgres", "", "--version")
	if err != nil {
		return "", err
	}
	return parseVersion(out), nil
}

// parseVersion extracts the numeric version from --version output such as
// "postgres (PostgreSQL) 16.4 (Debian 16.4-1)".
func parseVersion(out string) string {
	line := out
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		line = out[:i]
	}
	for _, f := range strings.Fields(line) {
		if f[0] >= '0' && f[0] <= '9' {
			return f
		}
	}
	return strings.TrimSpace(line)
}

// Extensions lists the SQL extensions installed with the server, one per
// .control file in the installation's extension directory. pg_config is
// consulted for the share directory when present; otherwise the usual
// locations relative to the bin directory are scanned.
func (r *Runner) Extensions(ctx context.Context) []string {
	dirs := r.install.extensionDirs()
	if _, err := os.Stat(r.install.Tool("pg_config")); err == nil {
		if out, err := r.Run(ctx, "pg_config", "", "--sharedir"); err == nil {
			if share := strings.TrimSpace(out); share != "" {
				dirs = append([]string{filepath.Join(share, "extension")}, dirs...)
			}
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, ".control") {
				continue
			}
			name = strings.TrimSuffix(name, ".control")
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
