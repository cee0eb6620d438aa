// pattern: Imperative Shell
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/gbnst/pgembed"
	"github.com/gbnst/pgembed/internal/datadir"
	"github.com/gbnst/pgembed/internal/lockfile"
	"github.com/gbnst/pgembed/internal/logging"
	"github.com/gbnst/pgembed/internal/pgtools"
	"github.com/gbnst/pgembed/internal/ports"
	"github.com/gbnst/pgembed/internal/postmaster"
)

// runInit creates the cluster without starting a server, so provisioning
// steps can pay the initdb cost ahead of first use.
func runInit(configDir string, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dataDir := ResolveDataDir(fs.Args())

	cfg, err := loadConfig(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
	}

	layout := datadir.NewLayout(dataDir)
	if err := layout.Ensure(); err != nil {
		return err
	}

	mgr, err := newLogManager(layout, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	install, err := pgtools.Resolve(cfg.BinDir)
	if err != nil {
		return err
	}
	runner := pgtools.NewRunner(install, mgr.For("tools"))

	coord, err := newCoordinator(layout, mgr.For("lock"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return coord.WithExclusive(ctx, func(rec *lockfile.Record) error {
		state, err := datadir.Inspect(layout)
		if err != nil {
			return err
		}
		switch state {
		case datadir.Initialized:
			version, _ := datadir.Version(layout)
			fmt.Printf("already initialized (version %s)\n", version)
			return nil
		case datadir.Corrupt:
			return fmt.Errorf("data directory %s is corrupt", dataDir)
		}

		err = datadir.Initialize(ctx, layout, func(ctx context.Context, clusterDir string) error {
			return runner.InitDB(ctx, clusterDir, cfg.Superuser)
		})
		if err != nil {
			return err
		}
		version, _ := datadir.Version(layout)
		fmt.Printf("initialized cluster at %s (version %s, superuser %s)\n", dataDir, version, cfg.Superuser)
		return nil
	})
}

// statusReport is the JSON shape of the status command.
type statusReport struct {
	DataDir   string `json:"data_dir"`
	State     string `json:"state"`
	Version   string `json:"version,omitempty"`
	Running   bool   `json:"running"`
	Orphaned  bool   `json:"orphaned,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	SocketDir string `json:"socket_dir,omitempty"`
	URI       string `json:"uri,omitempty"`
	Processes int    `json:"processes"`
	Handles   int    `json:"handles"`
}

func buildStatus(dataDir string) (statusReport, error) {
	layout := datadir.NewLayout(dataDir)

	report := statusReport{DataDir: dataDir}

	state, err := datadir.Inspect(layout)
	if err != nil {
		return report, err
	}
	report.State = state.String()
	if state == datadir.Initialized {
		if v, err := datadir.Version(layout); err == nil {
			report.Version = v
		}
	}

	coord, err := newCoordinator(layout, logging.NopLogger())
	if err != nil {
		return report, err
	}
	rec, err := coord.Peek()
	if err != nil {
		return report, err
	}

	report.Processes = len(rec.Attachers)
	report.Handles = rec.TotalCount()

	if rec.Server != nil {
		proc := postmaster.Proc{PID: rec.Server.PID, StartUnixMs: rec.Server.StartUnixMs}
		if postmaster.Alive(proc) {
			report.Running = true
			report.PID = rec.Server.PID
			report.Host = rec.Server.Host
			report.Port = rec.Server.Port
			report.SocketDir = rec.Server.SocketDir
			user := rec.Server.User
			if user == "" {
				user = "postgres"
			}
			ep := pgembed.Endpoint{Host: rec.Server.Host, Port: rec.Server.Port, SocketDir: rec.Server.SocketDir}
			report.URI = ep.URI(user, "postgres")
		}
		return report, nil
	}

	// No recorded server; a pid file may still name an orphan.
	if pf, err := postmaster.ReadPidFile(layout.Cluster); err == nil && pf.Ready() {
		proc := postmaster.Proc{PID: pf.PID}
		if postmaster.Alive(proc) {
			report.Running = true
			report.Orphaned = true
			report.PID = pf.PID
			report.Port = pf.Port
			report.SocketDir = pf.SocketDir
		}
	}
	return report, nil
}

func runStatus(configDir string, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print machine-readable status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dataDir := ResolveDataDir(fs.Args())

	report, err := buildStatus(dataDir)
	if err != nil {
		return err
	}

	if *asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(report.render())
	return nil
}

func (r statusReport) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "data dir:  %s\n", r.DataDir)
	if r.Version != "" {
		fmt.Fprintf(&b, "state:     %s (version %s)\n", r.State, r.Version)
	} else {
		fmt.Fprintf(&b, "state:     %s\n", r.State)
	}
	switch {
	case r.Running && r.Orphaned:
		fmt.Fprintf(&b, "server:    orphaned, pid %d, port %d (adopted on next attach)\n", r.PID, r.Port)
	case r.Running:
		fmt.Fprintf(&b, "server:    running, pid %d, port %d\n", r.PID, r.Port)
		fmt.Fprintf(&b, "uri:       %s\n", r.URI)
	default:
		fmt.Fprintf(&b, "server:    not running\n")
	}
	fmt.Fprintf(&b, "attached:  %d processes, %d handles", r.Processes, r.Handles)
	return b.String()
}

// runStop shuts the server down regardless of attached handles. Their
// owners see the death through Done; the record keeps their entries so
// releases still balance.
func runStop(configDir string, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	dataDir := ResolveDataDir(fs.Args())

	cfg, err := loadConfig(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
	}

	layout := datadir.NewLayout(dataDir)
	if err := layout.Ensure(); err != nil {
		return err
	}
	mgr, err := newLogManager(layout, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	coord, err := newCoordinator(layout, mgr.For("lock"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return coord.WithExclusive(ctx, func(rec *lockfile.Record) error {
		if rec.Server == nil {
			fmt.Println("no server running")
			return nil
		}
		proc := postmaster.Proc{PID: rec.Server.PID, StartUnixMs: rec.Server.StartUnixMs}
		if handles := rec.TotalCount(); handles > 0 {
			fmt.Fprintf(os.Stderr, "warning: %d handles still attached\n", handles)
		}
		if err := postmaster.Stop(proc, cfg.Timeouts.Stop(), mgr.For("postmaster")); err != nil {
			return err
		}
		fmt.Printf("stopped server pid %d\n", proc.PID)
		rec.Server = nil
		return nil
	})
}

// runCleanup reclaims stale lock entries and clears leftovers of a dead
// server. Taking the exclusive lock proves no live manager is mid-flight.
func runCleanup(configDir string, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	staleAfter := fs.Duration("stale-after", lockfile.DefaultStaleAfter,
		"treat unknown holders older than this as dead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dataDir := ResolveDataDir(fs.Args())

	layout := datadir.NewLayout(dataDir)
	if err := layout.Ensure(); err != nil {
		return err
	}

	coord, err := lockfile.New(layout.LockFile, lockfile.Options{
		StaleAfter: *staleAfter,
		Logger:     logging.NopLogger(),
	})
	if err != nil {
		return err
	}

	before, err := coord.Peek()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var clearedServer, serverRunning bool
	var remaining int
	err = coord.WithExclusive(ctx, func(rec *lockfile.Record) error {
		if rec.Server != nil {
			proc := postmaster.Proc{PID: rec.Server.PID, StartUnixMs: rec.Server.StartUnixMs}
			if postmaster.Alive(proc) {
				serverRunning = true
			} else {
				rec.Server = nil
				clearedServer = true
			}
		}
		remaining = len(rec.Attachers)
		return nil
	})
	if err != nil {
		return err
	}

	reclaimed := len(before.Attachers) - remaining
	if reclaimed < 0 {
		reclaimed = 0
	}
	fmt.Printf("reclaimed %d stale attachers, %d remain\n", reclaimed, remaining)
	if clearedServer {
		fmt.Println("cleared dead server entry")
	}

	if !serverRunning {
		sockDir := ports.SocketDir(dataDir)
		if _, statErr := os.Stat(sockDir); statErr == nil {
			if err := os.RemoveAll(sockDir); err == nil {
				fmt.Printf("removed socket directory %s\n", sockDir)
			}
		}
	}
	return nil
}

// runLogs prints the tail of the server log, optionally following it.
func runLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	follow := fs.BoolP("follow", "f", false, "keep printing new lines")
	lines := fs.IntP("lines", "n", 50, "lines of history to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dataDir := ResolveDataDir(fs.Args())
	layout := datadir.NewLayout(dataDir)

	history, err := readLastLines(layout.ServerLog, *lines)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range history {
		fmt.Println(line)
	}
	if !*follow {
		return nil
	}

	sink := logging.NewChannelSink(256)
	reader, err := logging.NewServerLogReader(layout.ServerLog, "server", sink)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() { _ = reader.Start(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-sink.Entries():
			if !ok {
				return nil
			}
			fmt.Printf("%s %-5s %s\n", entry.Timestamp.Format(time.TimeOnly), entry.Level, entry.Message)
		}
	}
}

// readLastLines returns up to n trailing lines without loading the whole
// file; server logs grow across runs.
func readLastLines(path string, n int) ([]string, error) {
	const tailChunk = 64 * 1024

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	off := int64(0)
	if info.Size() > tailChunk {
		off = info.Size() - tailChunk
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	all := strings.Split(text, "\n")
	if off > 0 && len(all) > 0 {
		// The first line is probably cut mid-way by the chunk boundary.
		all = all[1:]
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
