// pattern: Imperative Shell
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gbnst/pgembed"
	"github.com/gbnst/pgembed/internal/config"
	"github.com/gbnst/pgembed/internal/datadir"
	"github.com/gbnst/pgembed/internal/lockfile"
	"github.com/gbnst/pgembed/internal/logging"
	"github.com/gbnst/pgembed/internal/pgtools"
)

// ResolveDataDir picks the managed data directory: the first positional
// argument when given, otherwise the default cluster under
// $XDG_DATA_HOME/pgembed or ~/.local/share/pgembed.
func ResolveDataDir(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pgembed", "default")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "pgembed", "default")
	}
	return filepath.Join(home, ".local", "share", "pgembed", "default")
}

// BuildApp creates and configures the CLI application with all commands
// and groups.
func BuildApp(version string, configDir string) *App {
	app := NewApp(version, os.Stdout, os.Stderr)

	app.AddCommand(&Command{
		Name:    "run",
		Summary: "Start the server and hold it until interrupted",
		Usage:   "Usage: pgembed run [--port N] [--socket-only] [--profile NAME] [--param k=v] [-v] [data-dir]",
		Run: func(args []string) error {
			return runRun(configDir, args)
		},
	})

	app.AddCommand(&Command{
		Name:    "init",
		Summary: "Initialize the cluster without starting a server",
		Usage:   "Usage: pgembed init [data-dir]",
		Run: func(args []string) error {
			return runInit(configDir, args)
		},
	})

	app.AddCommand(&Command{
		Name:    "status",
		Summary: "Report directory state, server process, and attachments",
		Usage:   "Usage: pgembed status [--json] [data-dir]",
		Run: func(args []string) error {
			return runStatus(configDir, args)
		},
	})

	app.AddCommand(&Command{
		Name:    "stop",
		Summary: "Stop the server even if handles are still attached",
		Usage:   "Usage: pgembed stop [data-dir]",
		Run: func(args []string) error {
			return runStop(configDir, args)
		},
	})

	app.AddCommand(&Command{
		Name:    "logs",
		Summary: "Print or follow the server log",
		Usage:   "Usage: pgembed logs [-f] [-n LINES] [data-dir]",
		Run: func(args []string) error {
			return runLogs(args)
		},
	})

	app.AddCommand(&Command{
		Name:    "cleanup",
		Summary: "Reclaim stale lock entries and remove leftovers",
		Usage:   "Usage: pgembed cleanup [--stale-after D] [data-dir]",
		Run: func(args []string) error {
			return runCleanup(configDir, args)
		},
	})

	app.AddCommand(&Command{
		Name:    "extensions",
		Summary: "List extensions available in the installation",
		Usage:   "Usage: pgembed extensions",
		Run: func(args []string) error {
			return runExtensions(configDir, args)
		},
	})

	app.AddCommand(&Command{
		Name:    "version",
		Summary: "Print version and exit",
		Usage:   "Usage: pgembed version",
		Run: func(args []string) error {
			fmt.Println(version)
			if install, err := resolveInstall(configDir); err == nil {
				runner := pgtools.NewRunner(install, logging.NopLogger())
				if v, err := runner.Version(context.Background()); err == nil {
					fmt.Printf("postgres: %s (%s)\n", v, install.BinDir)
				}
			}
			return nil
		},
	})

	dbGroup := app.AddGroup("db", "Manage databases on the embedded server")
	RegisterDBCommands(dbGroup, configDir)

	return app
}

// loadConfig loads the configuration from the specified directory or the
// default location. A missing file is not an error; an invalid file is
// reported and the defaults are returned in its place.
func loadConfig(configDir string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configDir != "" {
		cfg, err = config.LoadFromDir(configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return config.DefaultConfig(), err
	}
	return cfg, nil
}

// baseOptions maps the loaded config onto library options, so a
// --config-dir override reaches the library too.
func baseOptions(cfg config.Config) []pgembed.Option {
	opts := []pgembed.Option{
		pgembed.WithPort(cfg.Port),
		pgembed.WithPortRange(cfg.PortRange.Start, cfg.PortRange.End),
		pgembed.WithStartupTimeout(cfg.Timeouts.Startup()),
		pgembed.WithLockTimeout(cfg.Timeouts.Lock()),
		pgembed.WithStopTimeout(cfg.Timeouts.Stop()),
		pgembed.WithStaleAfter(cfg.Timeouts.Stale()),
		pgembed.WithSuperuser(cfg.Superuser),
	}
	if cfg.BinDir != "" {
		opts = append(opts, pgembed.WithBinDir(cfg.BinDir))
	}
	if len(cfg.ServerParams) > 0 {
		opts = append(opts, pgembed.WithServerParams(cfg.ServerParams))
	}
	return opts
}

func resolveInstall(configDir string) (pgtools.Installation, error) {
	cfg, err := loadConfig(configDir)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return pgtools.Resolve(cfg.BinDir)
}

// newLogManager opens the lifecycle log under the managed directory's
// log subdirectory, shared with the library.
func newLogManager(layout datadir.Layout, level string) (*logging.Manager, error) {
	return logging.NewManager(logging.Config{
		FilePath: filepath.Join(layout.LogDir, "pgembed.log"),
		Level:    level,
	})
}

func newCoordinator(layout datadir.Layout, logger *logging.ScopedLogger) (*lockfile.Coordinator, error) {
	return lockfile.New(layout.LockFile, lockfile.Options{Logger: logger})
}

func runExtensions(configDir string, args []string) error {
	install, err := resolveInstall(configDir)
	if err != nil {
		return err
	}
	runner := pgtools.NewRunner(install, logging.NopLogger())
	exts := runner.Extensions(context.Background())
	if len(exts) == 0 {
		fmt.Println("no extensions found")
		return nil
	}
	for _, ext := range exts {
		fmt.Println(ext)
	}
	return nil
}
