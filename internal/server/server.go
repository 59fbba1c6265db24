package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mblsha/sentinel/internal/config"
	"github.com/mblsha/sentinel/internal/events"
	"github.com/mblsha/sentinel/internal/metrics"
	"github.com/mblsha/sentinel/internal/supervisor"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Supervisor is the part of supervisor.Supervisor the API serves.
type Supervisor interface {
	Projects() []supervisor.ProjectStatus
	Trigger(dir string) error
}

type Options struct {
	Config     config.Config
	Supervisor Supervisor
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type API struct {
	cfg      config.Config
	sup      Supervisor
	hub      *events.Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func New(opts Options) *API {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &API{
		cfg:      opts.Config,
		sup:      opts.Supervisor,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		log:      opts.Logger,
		mux:      http.NewServeMux(),
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.mux
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.metrics.Instrument("/healthz", a.handleHealthz))
	a.mux.HandleFunc("GET /v1/projects", a.metrics.Instrument("/v1/projects", a.handleListProjects))
	a.mux.Handle("POST /v1/projects/rebuild", a.guard(a.metrics.Instrument("/v1/projects/rebuild", a.handleRebuild)))
	a.mux.Handle("GET /v1/events", a.guard(a.metrics.Instrument("/v1/events", a.handleEvents)))
	a.mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
}

func (a *API) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.checkToken(r); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next(w, r)
	})
}

func (a *API) checkToken(r *http.Request) error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return nil
	}
	if strings.TrimSpace(r.Header.Get(a.cfg.AuthHeader)) != a.cfg.Token {
		return errors.New("invalid token")
	}
	return nil
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": a.sup.Projects()})
}

func (a *API) handleRebuild(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing path query value"})
		return
	}
	dir := a.resolveProject(path)
	if err := a.sup.Trigger(dir); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrNotWatched) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"project": dir,
		"status":  "queued",
	})
}

// resolveProject accepts an absolute project dir or one relative to the
// workspace root, which is also the function name.
func (a *API) resolveProject(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(a.cfg.WorkspaceRoot, filepath.FromSlash(path))
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if rawSince := strings.TrimSpace(r.URL.Query().Get("since")); rawSince != "" {
		n, err := strconv.ParseInt(rawSince, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since query value"})
			return
		}
		since = n
	}
	var filter string
	if raw := strings.TrimSpace(r.URL.Query().Get("project")); raw != "" {
		filter = a.resolveProject(raw)
	}

	// Subscribing before the handshake completes means a client that dials
	// and then triggers a build cannot miss its events.
	backlog, ch, cancel := a.hub.Subscribe(since)
	defer cancel()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		a.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	// Control frames and close are only processed while reading.
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(v)
	}
	for _, ev := range backlog {
		if filter != "" && ev.Project != filter {
			continue
		}
		if err := send(ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if filter != "" && ev.Project != filter {
				continue
			}
			if err := send(ev); err != nil {
				a.log.Debug("websocket send failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
