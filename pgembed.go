// pattern: Imperative Shell

package pgembed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gbnst/pgembed/internal/datadir"
	"github.com/gbnst/pgembed/internal/lockfile"
	"github.com/gbnst/pgembed/internal/logging"
	"github.com/gbnst/pgembed/internal/pgtools"
	"github.com/gbnst/pgembed/internal/ports"
	"github.com/gbnst/pgembed/internal/postmaster"
	"github.com/gbnst/pgembed/internal/ready"
)

const (
	// maxBindAttempts bounds the retry loop for ports lost between the
	// free-probe and the server's own bind.
	maxBindAttempts = 5

	// adoptVerifyTimeout is deliberately short: a recorded server is past
	// startup, so a healthy one answers the first probe. A server that
	// stays silent this long is treated as gone and replaced.
	adoptVerifyTimeout = 5 * time.Second

	logTailBytes = 4096
)

// errPortTaken marks a startup failure caused by losing the allocated
// port to another listener. The start loop retries these.
var errPortTaken = errors.New("listen port taken")

var (
	registryMu sync.Mutex
	registry   = make(map[string]*state)
)

// state is the per-data-directory singleton in this process. Every
// lifecycle transition for the directory funnels through its mutex; the
// lock file serializes against other processes.
type state struct {
	dataDir  string
	layout   datadir.Layout
	identity lockfile.Identity

	logs    logging.LoggerProvider
	ownLogs *logging.Manager
	log     *logging.ScopedLogger

	mu      sync.Mutex
	opts    options
	runner  *pgtools.Runner
	install pgtools.Installation

	endpoint    Endpoint
	proc        postmaster.Proc
	died        <-chan struct{}
	watchCancel context.CancelFunc
	handles     map[*Server]struct{}
}

// GetServer returns a handle on the embedded server for dataDir,
// initializing the cluster and starting the server as needed. When the
// server is already running, in this process or another, the call
// attaches to it instead. Handles must be Released; the last release
// across all processes stops the server.
func GetServer(ctx context.Context, dataDir string, opts ...Option) (*Server, error) {
	if dataDir == "" {
		return nil, errors.New("data directory must not be empty")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}

	// A state torn down between stateFor and the lock (last handle
	// released, failed acquire) must not take new handles; resolve again.
	for {
		st, err := stateFor(abs, o)
		if err != nil {
			return nil, err
		}

		st.mu.Lock()
		if !st.current() {
			st.mu.Unlock()
			continue
		}
		srv, err := st.acquire(ctx, o)
		st.mu.Unlock()
		return srv, err
	}
}

// ReleaseAll releases every handle this process still holds, in any data
// directory. Programs that spread handles across packages can call it on
// shutdown instead of threading each handle to a Release.
func ReleaseAll() error {
	registryMu.Lock()
	states := make([]*state, 0, len(registry))
	for _, st := range registry {
		states = append(states, st)
	}
	registryMu.Unlock()

	var errs []error
	for _, st := range states {
		st.mu.Lock()
		handles := make([]*Server, 0, len(st.handles))
		for h := range st.handles {
			handles = append(handles, h)
		}
		st.mu.Unlock()

		for _, h := range handles {
			if err := h.Release(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func stateFor(dataDir string, o options) (*state, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if st, ok := registry[dataDir]; ok {
		return st, nil
	}

	layout := datadir.NewLayout(dataDir)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	st := &state{
		dataDir: dataDir,
		layout:  layout,
		opts:    o,
		handles: make(map[*Server]struct{}),
	}

	if o.slogger != nil {
		st.logs = logging.NewSlogProvider(o.slogger)
	} else {
		mgr, err := logging.NewManager(logging.Config{
			FilePath: filepath.Join(layout.LogDir, "pgembed.log"),
			Level:    o.logLevel,
		})
		if err != nil {
			return nil, err
		}
		st.logs = mgr
		st.ownLogs = mgr
	}
	st.log = st.logs.For("lifecycle")

	id, err := lockfile.Self()
	if err != nil {
		if st.ownLogs != nil {
			_ = st.ownLogs.Close()
		}
		return nil, err
	}
	st.identity = id

	registry[dataDir] = st
	return st, nil
}

// newCoordinator builds a lock coordinator with this call's timeouts.
// Separate coordinators on the same path exclude each other through the
// file lock; the stable identity keeps all of them attaching as one
// process in the record.
func (st *state) newCoordinator(o options) (*lockfile.Coordinator, error) {
	return lockfile.New(st.layout.LockFile, lockfile.Options{
		LockTimeout: o.lockTimeout,
		StaleAfter:  o.staleAfter,
		Self:        &st.identity,
		Logger:      st.logs.For("lock"),
	})
}

// acquire runs the whole get-or-start sequence under the exclusive lock:
// classify the directory, initialize it if empty, adopt a live server or
// start one, then attach. Holding the lock across all of it means
// concurrent callers see either nothing or a ready server, never a
// half-built one.
func (st *state) acquire(ctx context.Context, o options) (*Server, error) {
	st.opts = o
	if o.configErr != nil {
		st.log.Warn("config file ignored", "error", o.configErr.Error())
	}

	coord, err := st.newCoordinator(o)
	if err != nil {
		return nil, err
	}

	var handle *Server
	err = coord.WithExclusive(ctx, func(rec *lockfile.Record) error {
		dstate, err := datadir.Inspect(st.layout)
		if err != nil {
			return err
		}
		switch dstate {
		case datadir.Corrupt:
			return fmt.Errorf("%w: %s", ErrDirectoryCorrupt, st.dataDir)
		case datadir.Uninitialized:
			if err := st.initCluster(ctx, o); err != nil {
				return err
			}
		}

		user, err := st.ensureServer(ctx, o, rec)
		if err != nil {
			return err
		}

		rec.Attach(st.identity, time.Now())
		handle = &Server{
			st:       st,
			endpoint: st.endpoint,
			pid:      st.proc.PID,
			user:     user,
			died:     st.died,
		}
		st.handles[handle] = struct{}{}
		return nil
	})
	if err != nil {
		// Covers a failed record write after the handle was built.
		if handle != nil {
			delete(st.handles, handle)
		}
		if len(st.handles) == 0 {
			st.teardown()
		}
		return nil, err
	}
	return handle, nil
}

// ensureServer leaves a verified running server bound to the state and
// recorded in rec, adopting one when it can. It returns the role to
// connect as. Caller holds both the state mutex and the file lock.
func (st *state) ensureServer(ctx context.Context, o options, rec *lockfile.Record) (string, error) {
	if rec.Server != nil {
		proc := postmaster.Proc{PID: rec.Server.PID, StartUnixMs: rec.Server.StartUnixMs}
		if postmaster.Alive(proc) {
			ep := Endpoint{Host: rec.Server.Host, Port: rec.Server.Port, SocketDir: rec.Server.SocketDir}
			user := rec.Server.User
			if user == "" {
				user = o.superuser
			}
			err := st.verify(ctx, ep, user)
			if err == nil {
				st.log.Info("attached to running server", "pid", proc.PID, "port", ep.Port)
				st.bind(proc, ep)
				return user, nil
			}
			if ctx.Err() != nil {
				return "", err
			}
			st.log.Warn("recorded server did not answer, replacing it",
				"pid", proc.PID, "port", ep.Port, "error", err.Error())
		} else {
			st.log.Warn("recorded server is gone", "pid", rec.Server.PID)
		}
		rec.Server = nil
	} else if pf, err := postmaster.ReadPidFile(st.layout.Cluster); err == nil && pf.Ready() {
		// No record, but the cluster has a pid file: a previous manager
		// crashed after starting the server. Adopt it if it answers.
		proc := postmaster.Proc{PID: pf.PID}
		if start, serr := postmaster.ProcessStartTime(pf.PID); serr == nil {
			proc.StartUnixMs = start
		}
		if postmaster.Alive(proc) {
			host := pf.ListenAddr
			if host == "*" {
				host = "127.0.0.1"
			}
			ep := Endpoint{Host: host, Port: pf.Port, SocketDir: pf.SocketDir}
			if verr := st.verify(ctx, ep, o.superuser); verr == nil {
				st.log.Info("adopted orphaned server", "pid", proc.PID, "port", pf.Port)
				st.bind(proc, ep)
				rec.Server = &lockfile.Server{
					PID:         proc.PID,
					StartUnixMs: proc.StartUnixMs,
					Host:        host,
					Port:        pf.Port,
					SocketDir:   pf.SocketDir,
					User:        o.superuser,
				}
				return o.superuser, nil
			} else if ctx.Err() != nil {
				return "", verr
			} else {
				st.log.Warn("orphaned server did not answer, starting fresh",
					"pid", proc.PID, "error", verr.Error())
			}
		}
	}

	if err := st.start(ctx, o, rec); err != nil {
		return "", err
	}
	return o.superuser, nil
}

// verify probes an endpoint that should already be serving our cluster.
func (st *state) verify(ctx context.Context, ep Endpoint, user string) error {
	prober := ready.New(ready.Config{
		URI:        ep.URI(user, "postgres"),
		ClusterDir: st.layout.Cluster,
		Timeout:    adoptVerifyTimeout,
	}, st.logs.For("ready"))
	return prober.Wait(ctx)
}

func (st *state) resolveTools(o options) error {
	if st.runner != nil {
		return nil
	}
	install, err := pgtools.Resolve(o.binDir)
	if err != nil {
		return err
	}
	st.install = install
	st.runner = pgtools.NewRunner(install, st.logs.For("tools"))
	return nil
}

func (st *state) initCluster(ctx context.Context, o options) error {
	if err := st.resolveTools(o); err != nil {
		return err
	}
	st.log.Info("initializing cluster", "dir", st.layout.Cluster, "superuser", o.superuser)
	return datadir.Initialize(ctx, st.layout, func(ctx context.Context, clusterDir string) error {
		return st.runner.InitDB(ctx, clusterDir, o.superuser)
	})
}

// start launches the server, retrying on ports snatched between the
// allocator's probe and the server's bind.
func (st *state) start(ctx context.Context, o options, rec *lockfile.Record) error {
	if err := st.resolveTools(o); err != nil {
		return err
	}

	socketDir := o.socketDir
	if socketDir == "" {
		var err error
		socketDir, err = ports.EnsureSocketDir(st.dataDir)
		if err != nil {
			return err
		}
	} else if err := os.MkdirAll(socketDir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	host := "127.0.0.1"
	if o.socketOnly {
		host = ""
	}

	alloc := ports.Allocator{
		Preferred:  o.port,
		RangeStart: o.rangeStart,
		RangeEnd:   o.rangeEnd,
		Host:       "127.0.0.1",
	}

	skip := make(map[int]bool)
	for attempt := 1; ; attempt++ {
		port, err := alloc.Allocate(skip)
		if err != nil {
			return err
		}

		proc, err := postmaster.Start(postmaster.StartConfig{
			Binary:     st.install.Tool("postgres"),
			ClusterDir: st.layout.Cluster,
			Port:       port,
			SocketDir:  socketDir,
			SocketOnly: o.socketOnly,
			Params:     o.serverParams,
			LogPath:    st.layout.ServerLog,
		}, st.logs.For("postmaster"))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}

		ep := Endpoint{Host: host, Port: port, SocketDir: socketDir}
		err = st.awaitReady(ctx, o, proc, ep)
		if err == nil {
			st.bind(proc, ep)
			rec.Server = &lockfile.Server{
				PID:         proc.PID,
				StartUnixMs: proc.StartUnixMs,
				Host:        host,
				Port:        port,
				SocketDir:   socketDir,
				User:        o.superuser,
			}
			st.log.Info("server started", "pid", proc.PID, "port", port, "socket_dir", socketDir)
			return nil
		}

		// The attempt is dead weight either way; make sure it is gone
		// before retrying or reporting.
		_ = postmaster.Stop(proc, o.stopTimeout, st.logs.For("postmaster"))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errPortTaken) && attempt < maxBindAttempts {
			st.log.Warn("port was taken before the server could bind", "port", port)
			skip[port] = true
			continue
		}
		return err
	}
}

// awaitReady waits for a just-launched server to accept connections,
// watching the process so an early exit fails fast instead of burning
// the whole startup timeout on connection refusals.
func (st *state) awaitReady(ctx context.Context, o options, proc postmaster.Proc, ep Endpoint) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	died := postmaster.Watch(watchCtx, proc, st.layout.Cluster, st.logs.For("watch"))

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()

	prober := ready.New(ready.Config{
		URI:        ep.URI(o.superuser, "postgres"),
		ClusterDir: st.layout.Cluster,
		Timeout:    o.startupTimeout,
	}, st.logs.For("ready"))

	probeErr := make(chan error, 1)
	go func() { probeErr <- prober.Wait(probeCtx) }()

	select {
	case err := <-probeErr:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}
		return nil
	case <-died:
		cancelProbe()
		<-probeErr

		tail := serverLogTail(st.layout.ServerLog)
		if isPortConflict(tail) {
			return errPortTaken
		}
		if tail != "" {
			return fmt.Errorf("%w: server exited during startup: %s", ErrStartupFailed, tail)
		}
		return fmt.Errorf("%w: server exited during startup", ErrStartupFailed)
	}
}

// bind records the running server on the state and begins watching it.
func (st *state) bind(proc postmaster.Proc, ep Endpoint) {
	if st.watchCancel != nil && st.proc == proc {
		return
	}
	st.stopWatch()
	st.proc = proc
	st.endpoint = ep

	ctx, cancel := context.WithCancel(context.Background())
	st.watchCancel = cancel
	st.died = postmaster.Watch(ctx, proc, st.layout.Cluster, st.logs.For("watch"))
}

func (st *state) stopWatch() {
	if st.watchCancel != nil {
		st.watchCancel()
		st.watchCancel = nil
	}
}

// release detaches one handle. The last reference across all processes
// stops the server; a failed stop keeps the server in the record so the
// next caller sees it.
func (st *state) release(h *Server) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.handles[h]; !ok {
		return nil
	}
	delete(st.handles, h)

	coord, err := st.newCoordinator(st.opts)
	if err != nil {
		st.restore(h)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), st.opts.lockTimeout)
	defer cancel()

	var stopErr error
	err = coord.WithExclusive(ctx, func(rec *lockfile.Record) error {
		if !rec.Detach(st.identity, time.Now()) {
			st.log.Warn("own attachment was already reclaimed from the lock record")
		}
		if rec.TotalCount() > 0 || rec.Server == nil {
			return nil
		}

		proc := postmaster.Proc{PID: rec.Server.PID, StartUnixMs: rec.Server.StartUnixMs}
		st.stopWatch()
		st.log.Info("last reference released, stopping server", "pid", proc.PID)
		if stopErr = postmaster.Stop(proc, st.opts.stopTimeout, st.logs.For("postmaster")); stopErr == nil {
			rec.Server = nil
		}
		return nil
	})
	if err != nil {
		// The detach never reached the record, so the reference is still
		// live and the handle may be released again.
		st.restore(h)
		return err
	}

	if len(st.handles) == 0 {
		st.teardown()
	}
	return stopErr
}

// restore re-registers a handle whose release did not make it into the
// lock record. Caller holds the state mutex.
func (st *state) restore(h *Server) {
	st.handles[h] = struct{}{}
	h.released.Store(false)
}

// current reports whether this state is still the registered one for its
// directory. Caller holds the state mutex.
func (st *state) current() bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[st.dataDir] == st
}

// teardown drops this process's state for the directory; the next
// GetServer call rebuilds it. Caller holds the state mutex.
func (st *state) teardown() {
	st.stopWatch()

	registryMu.Lock()
	if registry[st.dataDir] == st {
		delete(registry, st.dataDir)
	}
	registryMu.Unlock()

	if st.ownLogs != nil {
		_ = st.ownLogs.Close()
		st.ownLogs = nil
	}
}

// serverLogTail returns the last few lines of the server log, for error
// reports when the server exits during startup.
func serverLogTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	off := int64(0)
	if info.Size() > logTailBytes {
		off = info.Size() - logTailBytes
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}

// isPortConflict recognizes the bind failure the server logs when its
// port was taken between our probe and its own bind.
func isPortConflict(logTail string) bool {
	return strings.Contains(logTail, "already in use")
}
