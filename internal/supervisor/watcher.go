package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/mblsha/sentinel/internal/project"
	"github.com/mblsha/sentinel/internal/registry"
	"github.com/mblsha/sentinel/internal/watch"
)

// projectWatcher owns every build transition of one project. Only its run
// goroutine cancels or registers the project's "running" handle.
type projectWatcher struct {
	s        *Supervisor
	dir      string
	excluded []string
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

func (w *projectWatcher) Cancel() {
	w.cancel()
}

func (w *projectWatcher) Done() <-chan struct{} {
	return w.done
}

// startWatcher attaches a watcher to dir. A previous watcher that is still
// alive is stopped and awaited first.
func (s *Supervisor) startWatcher(dir string) error {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		return ErrNotStarted
	}
	dir = filepath.Clean(dir)

	if prev, ok := s.reg.Get(dir, registry.RoleWatcher); ok && registry.Alive(prev) {
		prev.Cancel()
		<-prev.Done()
	}

	ctx, cancel := context.WithCancel(base)
	stream, err := s.source.Watch(ctx, dir)
	if err != nil {
		cancel()
		return err
	}
	w := &projectWatcher{
		s:        s,
		dir:      dir,
		excluded: s.cfg.ArtifactPaths(dir),
		log:      s.log.With("project", dir),
		cancel:   cancel,
		done:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
	s.reg.Set(dir, registry.RoleWatcher, w)
	s.metrics.WatcherStarted()
	w.log.Info("watching function for changes")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(ctx, stream)
	}()
	return nil
}

func (w *projectWatcher) run(ctx context.Context, stream watch.Stream) {
	defer close(w.done)
	defer w.s.metrics.WatcherStopped()
	defer w.cancel()
	// Whatever ends the watcher also ends its job.
	defer w.stopRunning(false)

	// A removal of the whole project reports the files inside it first, so
	// deletion-triggered builds wait the settle delay for the project's own
	// deletion before dispatching.
	var pending *time.Timer
	var pendingC <-chan time.Time
	clearPending := func() {
		if pending != nil {
			pending.Stop()
			pending, pendingC = nil, nil
		}
	}
	defer clearPending()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			clearPending()
			w.dispatch(ctx, true)
		case <-pendingC:
			pending, pendingC = nil, nil
			w.dispatch(ctx, false)
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					w.log.Error("watch source failed", "error", err)
				}
				return
			}
			if slices.Contains(w.excluded, ev.Path) {
				continue
			}
			if ev.Kind == watch.Deleted && ev.Path == w.dir {
				clearPending()
				w.stopRunning(true)
				w.log.Info("function deleted, disabling watcher")
				w.s.reg.Remove(w.dir)
				return
			}
			if ev.Kind == watch.Deleted && w.s.cfg.SettleDelay > 0 {
				if pending == nil {
					pending = time.NewTimer(w.s.cfg.SettleDelay)
					pendingC = pending.C
				}
				continue
			}
			clearPending()
			w.dispatch(ctx, false)
		}
	}
}

// stopRunning cancels the current job, if any, and waits for it to exit.
func (w *projectWatcher) stopRunning(logAbort bool) {
	h, ok := w.s.reg.Get(w.dir, registry.RoleRunning)
	if !ok || !registry.Alive(h) {
		return
	}
	h.Cancel()
	<-h.Done()
	if logAbort {
		w.log.Info("previous job aborted")
	}
}

func (w *projectWatcher) dispatch(ctx context.Context, initial bool) {
	w.stopRunning(true)
	if ctx.Err() != nil {
		return
	}
	// Files under a directory being removed report their own deletions first.
	if _, err := os.Stat(w.dir); err != nil {
		w.log.Debug("project directory missing, skipping build", "error", err)
		return
	}

	var hooks []string
	if initial || w.s.cfg.RebuildHooks {
		var err error
		hooks, err = project.BeforeBuild(w.dir)
		if err != nil {
			w.log.Warn("read before_build failed, building without hooks", "error", err)
			hooks = nil
		}
	}
	spec, err := w.s.toolchain.Plan(w.dir, project.HandlerPath(w.dir), hooks, initial)
	if err != nil {
		w.log.Error("plan job failed", "error", err)
		return
	}
	h := w.s.startJob(ctx, spec)
	w.s.reg.Set(w.dir, registry.RoleRunning, h)
}
