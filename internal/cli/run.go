// pattern: Imperative Shell
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/gbnst/pgembed"
	"github.com/gbnst/pgembed/internal/datadir"
	"github.com/gbnst/pgembed/internal/logging"
)

// runRun starts (or attaches to) the server and holds the handle until
// the process is interrupted or the server dies. The connection URI goes
// to stdout so scripts can capture it.
func runRun(configDir string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	port := fs.Int("port", 0, "preferred TCP port")
	socketOnly := fs.Bool("socket-only", false, "listen on the unix socket only")
	profile := fs.String("profile", "", "server parameter profile from config")
	params := fs.StringToString("param", nil, "server parameter, key=value")
	verbose := fs.BoolP("verbose", "v", false, "stream lifecycle and server logs to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dataDir := ResolveDataDir(fs.Args())

	cfg, err := loadConfig(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
	}

	opts := baseOptions(cfg)
	if *profile != "" {
		p, ok := cfg.Profile(*profile)
		if !ok {
			return fmt.Errorf("unknown profile %q", *profile)
		}
		opts = append(opts, pgembed.WithServerParams(p))
	}
	if len(*params) > 0 {
		opts = append(opts, pgembed.WithServerParams(*params))
	}
	if *port != 0 {
		opts = append(opts, pgembed.WithPort(*port))
	}
	if *socketOnly {
		opts = append(opts, pgembed.WithSocketOnly())
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
	opts = append(opts, pgembed.WithLogger(mgr.Slog("pgembed")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *verbose {
		// Merge the server's own log into the entry stream and print it
		// all to stderr, leaving stdout to the URI.
		reader, err := logging.NewServerLogReader(layout.ServerLog, "server", mgr.GetChannelSink())
		if err != nil {
			return err
		}
		defer func() { _ = reader.Close() }()
		go func() { _ = reader.Start(ctx) }()
		go func() {
			for entry := range mgr.Entries() {
				fmt.Fprintln(os.Stderr, entry.String())
			}
		}()
	}

	srv, err := pgembed.GetServer(ctx, dataDir, opts...)
	if err != nil {
		return err
	}

	fmt.Println(srv.URI("postgres"))
	fmt.Fprintf(os.Stderr, "server running, pid %d (interrupt to stop)\n", srv.PID())

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}
	died := srv.Err()

	if err := pgembed.ReleaseAll(); err != nil {
		return err
	}
	if died != nil && ctx.Err() == nil {
		return died
	}
	fmt.Fprintln(os.Stderr, "server released")
	return nil
}
