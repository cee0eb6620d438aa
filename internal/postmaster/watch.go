// pattern: Imperative Shell

package postmaster

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gbnst/pgembed/internal/logging"
)

// watchInterval is the liveness polling fallback for deaths that leave the
// pid file behind (SIGKILL, OOM).
const watchInterval = 2 * time.Second

// Watch reports server death by closing the returned channel. Clean
// shutdowns remove the pid file, so its directory is watched for fast
// detection; liveness polling covers abrupt deaths. Cancelling ctx stops
// the watch without closing the channel.
func Watch(ctx context.Context, proc Proc, clusterDir string, logger *logging.ScopedLogger) <-chan struct{} {
	died := make(chan struct{})
	pidFilePath := filepath.Join(clusterDir, PidFileName)

	go func() {
		var events chan fsnotify.Event
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("pid file watch unavailable, polling only", "error", err)
		} else {
			defer watcher.Close()
			if err := watcher.Add(clusterDir); err != nil {
				logger.Warn("cannot watch cluster directory, polling only", "error", err)
			} else {
				events = watcher.Events
			}
		}

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Name != pidFilePath {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// The server removes its pid file just before exiting.
				logger.Info("server pid file removed", "pid", proc.PID)
				waitGone(proc, quitWait)
				close(died)
				return

			case <-ticker.C:
				if !Alive(proc) {
					logger.Warn("server process gone", "pid", proc.PID)
					close(died)
					return
				}
			}
		}
	}()

	return died
}
