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
	"github.com/gbnst/pgembed/internal/postmaster"
)

// RegisterDBCommands adds database commands to the given group.
func RegisterDBCommands(group *Group, configDir string) {
	group.AddCommand(&Command{
		Name:    "create",
		Summary: "Create a database, starting the server if needed",
		Usage:   "Usage: pgembed db create <name> [data-dir]",
		Run:     func(args []string) error { return runDBCreate(configDir, args) },
	})
	group.AddCommand(&Command{
		Name:    "exists",
		Summary: "Check whether a database exists",
		Usage:   "Usage: pgembed db exists <name> [data-dir]",
		Run:     func(args []string) error { return runDBExists(configDir, args) },
	})
	group.AddCommand(&Command{
		Name:    "url",
		Summary: "Print the connection URI of the running server",
		Usage:   "Usage: pgembed db url [name] [data-dir]",
		Run:     func(args []string) error { return runDBURL(args) },
	})
}

// withServer runs fn against an attached server and always releases the
// handle, so a server started just for this command stops again.
func withServer(configDir string, dataDir string, fn func(ctx context.Context, srv *pgembed.Server) error) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := pgembed.GetServer(ctx, dataDir, baseOptions(cfg)...)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Release() }()

	return fn(ctx, srv)
}

func runDBCreate(configDir string, args []string) error {
	fs := flag.NewFlagSet("db create", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("missing database name")
	}
	name := rest[0]
	dataDir := ResolveDataDir(rest[1:])

	return withServer(configDir, dataDir, func(ctx context.Context, srv *pgembed.Server) error {
		if err := srv.CreateDatabase(ctx, name); err != nil {
			return err
		}
		fmt.Println(srv.URI(name))
		return nil
	})
}

func runDBExists(configDir string, args []string) error {
	fs := flag.NewFlagSet("db exists", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("missing database name")
	}
	name := rest[0]
	dataDir := ResolveDataDir(rest[1:])

	return withServer(configDir, dataDir, func(ctx context.Context, srv *pgembed.Server) error {
		exists, err := srv.DatabaseExists(ctx, name)
		if err != nil {
			return err
		}
		fmt.Println(exists)
		return nil
	})
}

// runDBURL reads the lock record and never starts a server; scripts use
// it to find an instance some other process is keeping alive.
func runDBURL(args []string) error {
	fs := flag.NewFlagSet("db url", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	name := "postgres"
	if len(rest) > 0 {
		name = rest[0]
		rest = rest[1:]
	}
	dataDir := ResolveDataDir(rest)

	layout := datadir.NewLayout(dataDir)
	coord, err := newCoordinator(layout, logging.NopLogger())
	if err != nil {
		return err
	}
	rec, err := coord.Peek()
	if err != nil {
		return err
	}
	if rec.Server == nil {
		return fmt.Errorf("no server running in %s", dataDir)
	}
	proc := postmaster.Proc{PID: rec.Server.PID, StartUnixMs: rec.Server.StartUnixMs}
	if !postmaster.Alive(proc) {
		return fmt.Errorf("recorded server pid %d is dead; run cleanup or attach again", rec.Server.PID)
	}

	user := rec.Server.User
	if user == "" {
		user = "postgres"
	}
	ep := pgembed.Endpoint{Host: rec.Server.Host, Port: rec.Server.Port, SocketDir: rec.Server.SocketDir}
	fmt.Println(ep.URI(user, name))
	return nil
}
