package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mblsha/sentinel/internal/config"
	"github.com/mblsha/sentinel/internal/discovery"
	"github.com/mblsha/sentinel/internal/events"
	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/logging"
	"github.com/mblsha/sentinel/internal/server"
	"github.com/mblsha/sentinel/internal/supervisor"
)

type scriptedSupervisor struct {
	hub *events.Hub
}

func (s *scriptedSupervisor) Projects() []supervisor.ProjectStatus {
	return []supervisor.ProjectStatus{
		{Project: "/ws/fn1", Name: "fn1", Watching: true, LastJob: &job.Record{ID: "j-1", State: job.StateSucceeded}},
		{Project: "/ws/broken", Name: "broken", Watching: true},
	}
}

func (s *scriptedSupervisor) Trigger(dir string) error {
	final := job.StateSucceeded
	switch dir {
	case "/ws/fn1":
	case "/ws/broken":
		final = job.StateFailed
	default:
		return fmt.Errorf("%s: %w", dir, supervisor.ErrNotWatched)
	}
	go func() {
		s.hub.Publish(job.Event{JobID: "j-2", Project: dir, Type: "started", State: job.StateRunning})
		done := job.Event{JobID: "j-2", Project: dir, Type: strings.ToLower(string(final)), State: final, Stage: job.StageBuild}
		exit := 0
		if final == job.StateFailed {
			exit = 1
			done.Error = "compile error"
		}
		done.ExitCode = &exit
		s.hub.Publish(done)
	}()
	return nil
}

func newTestServer(t *testing.T) (string, *events.Hub) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceRoot = "/ws"
	hub := events.NewHub()
	reg := prometheus.NewRegistry()
	api := server.New(server.Options{
		Config:     cfg,
		Supervisor: &scriptedSupervisor{hub: hub},
		Hub:        hub,
		Gatherer:   reg,
		Logger:     logging.Discard(),
	})
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts.URL, hub
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantCmd   string
		wantRest  int
		expectErr bool
	}{
		{name: "default", args: nil, wantCmd: "status"},
		{name: "rebuild", args: []string{"rebuild", "--wait", "fn1"}, wantCmd: "rebuild", wantRest: 2},
		{name: "events", args: []string{"events"}, wantCmd: "events"},
		{name: "tui", args: []string{"tui", "--server", "http://127.0.0.1:3500"}, wantCmd: "tui", wantRest: 2},
		{name: "invalid", args: []string{"deploy"}, expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, rest, err := parseCommand(tt.args)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand() error: %v", err)
			}
			if cmd != tt.wantCmd || len(rest) != tt.wantRest {
				t.Fatalf("parseCommand() = %q %v, want %q with %d args", cmd, rest, tt.wantCmd, tt.wantRest)
			}
		})
	}
}

func TestResolveServerURL_ExplicitWins(t *testing.T) {
	url, err := resolveServerURL("http://example:3500", true, time.Second, discovery.Query{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if url != "http://example:3500" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestResolveServerURL_DiscoverDisabledWithoutServer(t *testing.T) {
	if _, err := resolveServerURL("", false, time.Second, discovery.Query{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestResolveServerURL_DiscoverPassesQuery(t *testing.T) {
	orig := discoverFn
	t.Cleanup(func() {
		discoverFn = orig
	})
	var got discovery.Query
	discoverFn = func(ctx context.Context, q discovery.Query) (discovery.Endpoint, error) {
		got = q
		return discovery.Endpoint{URL: "http://10.0.0.9:3500", Instance: "devbox", Workspace: "/ws"}, nil
	}

	url, err := resolveServerURL("", true, 200*time.Millisecond, discovery.Query{Service: "_sentinel._tcp", Workspace: "/ws"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if url != "http://10.0.0.9:3500" {
		t.Fatalf("unexpected url: %s", url)
	}
	if got.Workspace != "/ws" || got.Service != "_sentinel._tcp" {
		t.Fatalf("unexpected query: %#v", got)
	}
}

func TestResolveServerURL_DiscoverError(t *testing.T) {
	orig := discoverFn
	t.Cleanup(func() {
		discoverFn = orig
	})
	discoverFn = func(ctx context.Context, q discovery.Query) (discovery.Endpoint, error) {
		return discovery.Endpoint{}, errors.New("no service")
	}
	if _, err := resolveServerURL("", true, 200*time.Millisecond, discovery.Query{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProjectArg(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	got, err := projectArg("./fn1")
	if err != nil {
		t.Fatalf("projectArg() error: %v", err)
	}
	if got != filepath.Join(wd, "fn1") {
		t.Fatalf("projectArg(./fn1) = %q", got)
	}
	if got, _ := projectArg("fn1"); got != "fn1" {
		t.Fatalf("projectArg(fn1) = %q, want fn1", got)
	}
	if got, _ := projectArg("/ws/fn1"); got != "/ws/fn1" {
		t.Fatalf("projectArg(/ws/fn1) = %q", got)
	}
	if _, err := projectArg("  "); err == nil {
		t.Fatalf("expected error for empty arg")
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()

	exit := 2
	got := formatEvent(job.Event{Seq: 7, JobID: "j", Project: "/ws/fn1", State: job.StateFailed, Stage: job.StageBeforeBuild, ExitCode: &exit, Error: "exit status 2"})
	want := `seq=7 project=/ws/fn1 job=j state=FAILED stage=before_build exit=2 error="exit status 2"`
	if got != want {
		t.Fatalf("formatEvent() = %q, want %q", got, want)
	}
}

func TestRunStatus(t *testing.T) {
	url, _ := newTestServer(t)
	var out bytes.Buffer
	if err := runStatus(context.Background(), []string{"--server", url}, &out); err != nil {
		t.Fatalf("runStatus() error: %v", err)
	}
	text := out.String()
	for _, want := range []string{"NAME", "fn1", "SUCCEEDED", "j-1", "/ws/broken"} {
		if !strings.Contains(text, want) {
			t.Fatalf("status output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintStatus_Empty(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printStatus(&out, nil)
	if !strings.Contains(out.String(), "no functions are being watched") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunRebuild_NoWait(t *testing.T) {
	url, _ := newTestServer(t)
	var out bytes.Buffer
	if err := runRebuild(context.Background(), []string{"--server", url, "fn1"}, &out); err != nil {
		t.Fatalf("runRebuild() error: %v", err)
	}
	if !strings.Contains(out.String(), "rebuild queued: /ws/fn1") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunRebuild_WaitSucceeded(t *testing.T) {
	url, _ := newTestServer(t)
	var out bytes.Buffer
	if err := runRebuild(context.Background(), []string{"--server", url, "--wait", "--timeout", "5s", "fn1"}, &out); err != nil {
		t.Fatalf("runRebuild() error: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "state=RUNNING") || !strings.Contains(text, "state=SUCCEEDED") {
		t.Fatalf("unexpected output:\n%s", text)
	}
}

func TestRunRebuild_WaitFailed(t *testing.T) {
	url, _ := newTestServer(t)
	var out bytes.Buffer
	err := runRebuild(context.Background(), []string{"--server", url, "--wait", "--timeout", "5s", "broken"}, &out)
	if err == nil || !strings.Contains(err.Error(), "compile error") {
		t.Fatalf("expected build failure, got %v", err)
	}
}

func TestRunRebuild_Errors(t *testing.T) {
	url, _ := newTestServer(t)
	var out bytes.Buffer
	if err := runRebuild(context.Background(), []string{"--server", url}, &out); err == nil {
		t.Fatalf("expected error without a function dir")
	}
	if err := runRebuild(context.Background(), []string{"--server", url, "missing"}, &out); err == nil {
		t.Fatalf("expected error for an unwatched function")
	}
}

func TestRunEvents_StopsWithContext(t *testing.T) {
	url, hub := newTestServer(t)
	hub.Publish(job.Event{JobID: "j-0", Project: "/ws/fn1", Type: "succeeded", State: job.StateSucceeded})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := runEvents(ctx, []string{"--server", url, "--project", "/ws/fn1"}, &out); err != nil {
		t.Fatalf("runEvents() error: %v", err)
	}
	if !strings.Contains(out.String(), "seq=1 project=/ws/fn1 job=j-0 state=SUCCEEDED") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
