// pattern: Imperative Shell

package postmaster

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gbnst/pgembed/internal/logging"
)

// startTimeToleranceMs absorbs clock and rounding skew when comparing
// process start times.
const startTimeToleranceMs = 1000

// quitWait bounds how long each escalated shutdown signal gets.
const quitWait = 5 * time.Second

// StartConfig describes a server process to launch.
type StartConfig struct {
	// Binary is the path of the postgres executable.
	Binary string
	// ClusterDir is the initialized data directory.
	ClusterDir string
	// Port names the TCP port and the socket file (.s.PGSQL.<port>).
	Port int
	// SocketDir is where the unix socket is created.
	SocketDir string
	// SocketOnly disables TCP entirely.
	SocketOnly bool
	// Params holds extra server settings, passed as -c key=value.
	Params map[string]string
	// LogPath receives the server's stdout and stderr, appended.
	LogPath string
}

// Proc identifies a running server process. The start time guards against
// pid reuse: a recycled pid will not have the same start time.
type Proc struct {
	PID         int
	StartUnixMs int64
}

// Start launches the server detached in its own session so it survives us.
// The returned Proc is the only handle; the process is not a child we wait
// on beyond reaping.
func Start(cfg StartConfig, logger *logging.ScopedLogger) (Proc, error) {
	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Proc{}, fmt.Errorf("open server log: %w", err)
	}

	args := buildArgs(cfg)
	cmd := exec.Command(cfg.Binary, args...)
	// The server must own its log descriptors and session: it keeps
	// running after this process exits.
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logger.Info("starting server", "binary", cfg.Binary, "args", fmt.Sprintf("%v", args))

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return Proc{}, fmt.Errorf("start server: %w", err)
	}
	// The child holds its own copy of the descriptor now.
	_ = logFile.Close()

	pid := cmd.Process.Pid

	// Reap the child if it exits while we are still around.
	go func() { _ = cmd.Wait() }()

	startMs, err := ProcessStartTime(pid)
	if err != nil {
		// The process just started, so now is within tolerance anyway.
		startMs = time.Now().UnixMilli()
	}

	logger.Info("server started", "pid", pid)
	return Proc{PID: pid, StartUnixMs: startMs}, nil
}

// buildArgs assembles the server command line. Params are sorted so the
// command line is stable across runs.
func buildArgs(cfg StartConfig) []string {
	args := []string{
		"-D", cfg.ClusterDir,
		"-p", strconv.Itoa(cfg.Port),
		"-k", cfg.SocketDir,
	}

	listen := "127.0.0.1"
	if cfg.SocketOnly {
		listen = ""
	}
	args = append(args, "-c", "listen_addresses="+listen)

	keys := make([]string, 0, len(cfg.Params))
	for k := range cfg.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-c", k+"="+cfg.Params[k])
	}

	return args
}

// Stop shuts the server down with escalating signals: SIGINT requests a
// fast shutdown, SIGQUIT an immediate one, SIGKILL ends it. Calling Stop
// on a dead process is a no-op.
func Stop(proc Proc, timeout time.Duration, logger *logging.ScopedLogger) error {
	if !Alive(proc) {
		return nil
	}

	osProc, err := os.FindProcess(proc.PID)
	if err != nil {
		return nil
	}

	logger.Info("stopping server", "pid", proc.PID)
	if err := osProc.Signal(syscall.SIGINT); err != nil {
		// Exited between the liveness check and the signal.
		return nil
	}
	if waitGone(proc, timeout) {
		logger.Info("server stopped", "pid", proc.PID)
		return nil
	}

	logger.Warn("fast shutdown timed out, requesting immediate shutdown", "pid", proc.PID)
	_ = osProc.Signal(syscall.SIGQUIT)
	if waitGone(proc, quitWait) {
		return nil
	}

	logger.Warn("immediate shutdown timed out, killing", "pid", proc.PID)
	_ = osProc.Signal(syscall.SIGKILL)
	if waitGone(proc, quitWait) {
		return nil
	}

	return fmt.Errorf("server pid %d did not exit", proc.PID)
}

// waitGone polls until the process is gone or the timeout elapses.
func waitGone(proc Proc, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(proc) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !Alive(proc)
}

// Alive reports whether the process is still running. When the Proc
// carries a start time, a pid whose start time differs is someone else's
// process and counts as gone.
func Alive(proc Proc) bool {
	exists, err := process.PidExists(int32(proc.PID))
	if err != nil {
		// Cannot tell; assume alive so shutdown and watch keep trying.
		return true
	}
	if !exists {
		return false
	}
	if proc.StartUnixMs == 0 {
		return true
	}
	created, err := ProcessStartTime(proc.PID)
	if err != nil {
		return true
	}
	return absMs(created-proc.StartUnixMs) <= startTimeToleranceMs
}

// ProcessStartTime reports when pid started, in milliseconds since the
// epoch.
func ProcessStartTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

func absMs(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}
