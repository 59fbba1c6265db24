// Package supervisor keeps one build pipeline per function project.
//
// A Supervisor sweeps the workspace for Crystal projects at startup, attaches a
// watcher to each and forces an initial build. It also watches the workspace
// root for new handler entry files, provisioning faastruby.yml and watchers as
// they appear. Each project watcher cancels the running build whenever a newer
// change arrives, so at most one job per project is ever current.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mblsha/sentinel/internal/builder"
	"github.com/mblsha/sentinel/internal/config"
	"github.com/mblsha/sentinel/internal/events"
	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/metrics"
	"github.com/mblsha/sentinel/internal/project"
	"github.com/mblsha/sentinel/internal/registry"
	"github.com/mblsha/sentinel/internal/watch"
)

var (
	ErrNotWatched = errors.New("project is not watched")
	ErrNotStarted = errors.New("supervisor not started")
)

type Options struct {
	Config   config.Config
	Registry *registry.Registry
	Builder  builder.Builder
	// Source watches project directories. RootSource, when set, is used for
	// the workspace root instead.
	Source     watch.Source
	RootSource watch.Source
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Supervisor struct {
	cfg        config.Config
	reg        *registry.Registry
	builder    builder.Builder
	source     watch.Source
	rootSource watch.Source
	hub        *events.Hub
	metrics    *metrics.Metrics
	log        *slog.Logger

	toolchain builder.Toolchain
	defaults  project.Defaults
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	started bool
	wg      sync.WaitGroup
}

func New(opts Options) (*Supervisor, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Builder == nil {
		return nil, errors.New("builder is required")
	}
	if opts.Source == nil {
		return nil, errors.New("watch source is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.RootSource == nil {
		opts.RootSource = opts.Source
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	return &Supervisor{
		cfg:        cfg,
		reg:        opts.Registry,
		builder:    opts.Builder,
		source:     opts.Source,
		rootSource: opts.RootSource,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		toolchain: builder.Toolchain{
			Compiler:   cfg.Compiler,
			Shim:       cfg.RuntimeShim,
			Artifact:   cfg.Artifact,
			HandlerEnv: cfg.HandlerEnv,
		},
		defaults: project.Defaults{
			Crystal: cfg.DefaultCrystalRuntime,
			Ruby:    cfg.DefaultRubyRuntime,
		},
		now: time.Now,
	}, nil
}

func (s *Supervisor) Registry() *registry.Registry {
	return s.reg
}

// Start runs the startup sweep and begins watching the workspace root. Every
// goroutine it spawns exits once ctx is cancelled; Wait blocks until then.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	root := s.cfg.WorkspaceRoot
	// The root stream opens before the sweep so an entry created in between
	// is not missed.
	stream, err := s.rootSource.Watch(ctx, root)
	if err != nil {
		return fmt.Errorf("watch workspace root: %w", err)
	}

	dirs, err := project.Find(root, project.CrystalPrefix)
	if err != nil {
		if dirs == nil {
			return err
		}
		s.log.Warn("skipped unreadable configuration", "error", err)
	}
	for _, dir := range dirs {
		if err := s.startWatcher(dir); err != nil {
			s.log.Error("start watcher failed", "project", dir, "error", err)
			continue
		}
		// Forces a compile even when nothing changed since the last run.
		if err := s.Trigger(dir); err != nil {
			s.log.Error("initial build failed to queue", "project", dir, "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchRoot(ctx, stream)
	}()
	return nil
}

// Wait blocks until every watcher and job has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Trigger queues an initial build for a watched project. Requests made while
// one is already queued are coalesced.
func (s *Supervisor) Trigger(dir string) error {
	w, ok := s.watcherFor(filepath.Clean(dir))
	if !ok {
		return fmt.Errorf("%s: %w", dir, ErrNotWatched)
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
	return nil
}

func (s *Supervisor) watcherFor(dir string) (*projectWatcher, bool) {
	h, ok := s.reg.Get(dir, registry.RoleWatcher)
	if !ok {
		return nil, false
	}
	w, ok := h.(*projectWatcher)
	if !ok || !registry.Alive(w) {
		return nil, false
	}
	return w, true
}

func (s *Supervisor) watchRoot(ctx context.Context, stream watch.Stream) {
	s.log.Info("watching for new functions", "root", s.cfg.WorkspaceRoot)
	for ev := range stream.Events() {
		if ev.Kind != watch.Created || !project.IsEntry(ev.Path) {
			continue
		}
		if !sleepCtx(ctx, s.cfg.SettleDelay) {
			return
		}
		s.handleNewEntry(ev.Path)
	}
	if err := stream.Err(); err != nil {
		s.log.Error("watch source failed", "root", s.cfg.WorkspaceRoot, "error", err)
	}
}

func (s *Supervisor) handleNewEntry(path string) {
	if _, err := os.Stat(path); err != nil {
		s.log.Debug("handler entry vanished before settling", "path", path)
		return
	}
	entry := project.ResolveEntry(path)
	log := s.log.With("project", entry.Project)

	runtime, err := s.defaults.RuntimeFor(path)
	if err != nil {
		log.Error("unrecognized handler entry", "path", path, "error", err)
		return
	}
	created, err := project.Ensure(s.cfg.WorkspaceRoot, entry.Project, runtime)
	if err != nil {
		log.Error("write configuration failed", "error", err)
		return
	}
	if created {
		log.Info("configuration created", "path", project.ConfigPath(entry.Project), "runtime", runtime)
	}

	if !entry.IsCrystal() {
		log.Info("new ruby function detected")
		return
	}
	log.Info("new crystal function detected")
	if _, ok := s.watcherFor(entry.Project); !ok {
		if err := s.startWatcher(entry.Project); err != nil {
			log.Error("start watcher failed", "error", err)
			return
		}
	}
	if entry.NeedsCompile {
		if err := s.Trigger(entry.Project); err != nil {
			log.Error("initial build failed to queue", "error", err)
		}
	}
}

// ProjectStatus is a point-in-time view of one supervised project.
type ProjectStatus struct {
	Project  string      `json:"project"`
	Name     string      `json:"name"`
	Watching bool        `json:"watching"`
	Building bool        `json:"building"`
	LastJob  *job.Record `json:"last_job,omitempty"`
}

func (s *Supervisor) Projects() []ProjectStatus {
	dirs := s.reg.Projects()
	out := make([]ProjectStatus, 0, len(dirs))
	for _, dir := range dirs {
		roles := s.reg.GetAll(dir)
		st := ProjectStatus{
			Project:  dir,
			Watching: registry.Alive(roles[registry.RoleWatcher]),
		}
		if name, err := project.NameFor(s.cfg.WorkspaceRoot, dir); err == nil {
			st.Name = name
		}
		if h, ok := roles[registry.RoleRunning].(*jobHandle); ok {
			rec := h.Record()
			st.LastJob = &rec
			st.Building = !rec.Terminal()
		}
		out = append(out, st)
	}
	return out
}

func (s *Supervisor) publish(rec *job.Record, eventType string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(job.EventFor(rec, eventType))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
