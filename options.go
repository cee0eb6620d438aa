package pgembed

import (
	"log/slog"
	"time"

	"github.com/gbnst/pgembed/internal/config"
)

// options is everything GetServer needs beyond the data directory.
// Defaults come from the built-in configuration merged with the user's
// config file; functional options override both.
type options struct {
	port           int
	rangeStart     int
	rangeEnd       int
	socketDir      string
	socketOnly     bool
	startupTimeout time.Duration
	lockTimeout    time.Duration
	stopTimeout    time.Duration
	staleAfter     time.Duration
	serverParams   map[string]string
	binDir         string
	superuser      string
	logLevel       string
	slogger        *slog.Logger

	// configErr is reported once a logger exists rather than failing the
	// call; a broken config file falls back to defaults.
	configErr error
}

// Option adjusts how GetServer locates, starts, or attaches to a server.
type Option func(*options)

func defaultOptions() options {
	cfg, err := config.Load()
	if err == nil {
		if verr := cfg.Validate(); verr != nil {
			cfg = config.DefaultConfig()
			err = verr
		}
	}
	o := options{
		port:           cfg.Port,
		rangeStart:     cfg.PortRange.Start,
		rangeEnd:       cfg.PortRange.End,
		startupTimeout: cfg.Timeouts.Startup(),
		lockTimeout:    cfg.Timeouts.Lock(),
		stopTimeout:    cfg.Timeouts.Stop(),
		staleAfter:     cfg.Timeouts.Stale(),
		serverParams:   make(map[string]string, len(cfg.ServerParams)),
		binDir:         cfg.BinDir,
		superuser:      cfg.Superuser,
		logLevel:       cfg.LogLevel,
		configErr:      err,
	}
	for k, v := range cfg.ServerParams {
		o.serverParams[k] = v
	}
	return o
}

// WithPort prefers port over the configured default. When it is already
// taken by an unrelated listener, allocation falls back to the
// configured range as usual.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithPortRange sets the candidate range tried after the preferred port.
func WithPortRange(start, end int) Option {
	return func(o *options) {
		o.rangeStart = start
		o.rangeEnd = end
	}
}

// WithSocketDir places the unix socket in dir instead of the derived
// per-directory runtime path.
func WithSocketDir(dir string) Option {
	return func(o *options) { o.socketDir = dir }
}

// WithSocketOnly disables TCP. The server listens on the unix socket
// alone and URIs point at the socket directory.
func WithSocketOnly() Option {
	return func(o *options) { o.socketOnly = true }
}

// WithStartupTimeout bounds the wait for a started server to accept
// connections.
func WithStartupTimeout(d time.Duration) Option {
	return func(o *options) { o.startupTimeout = d }
}

// WithLockTimeout bounds the wait for the cross-process coordination
// lock. The holder may be running initdb, so the default is generous.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithStopTimeout bounds the graceful shutdown before escalation when
// this process ends up stopping the server.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) { o.stopTimeout = d }
}

// WithStaleAfter sets how old an unreachable lock holder's heartbeat may
// get before its entry is reclaimed.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = d }
}

// WithServerParams merges postgresql.conf settings over the configured
// defaults, passed to the server as -c key=value. They apply only when
// this call actually starts the server; an adopted server keeps the
// settings it was started with.
func WithServerParams(params map[string]string) Option {
	return func(o *options) {
		for k, v := range params {
			o.serverParams[k] = v
		}
	}
}

// WithBinDir points at the directory holding initdb and postgres,
// bypassing PGEMBED_POSTGRES_BIN and PATH discovery.
func WithBinDir(dir string) Option {
	return func(o *options) { o.binDir = dir }
}

// WithSuperuser sets the bootstrap role created by initdb and used for
// connections. Defaults to postgres.
func WithSuperuser(name string) Option {
	return func(o *options) { o.superuser = name }
}

// WithLogger sends lifecycle logging to l instead of the rotating file
// under <dataDir>/log.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.slogger = l }
}
