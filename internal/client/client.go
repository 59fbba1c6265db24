package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/supervisor"
)

const (
	defaultAuthHeader = "X-Sentinel-Token"
	defaultBaseURL    = "http://127.0.0.1:3500"
)

// LiveOnly as a since value skips the retained backlog.
const LiveOnly = math.MaxInt64

type HTTPClient struct {
	BaseURL    string
	Token      string
	AuthHeader string
	Client     *http.Client
	Dialer     *websocket.Dialer
}

func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/healthz", nil), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("health check", resp)
	}
	return nil
}

func (c *HTTPClient) ListProjects(ctx context.Context) ([]supervisor.ProjectStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/v1/projects", nil), nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req.Header)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list projects", resp)
	}
	var payload struct {
		Projects []supervisor.ProjectStatus `json:"projects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	return payload.Projects, nil
}

// Rebuild queues an initial build. path is a project dir or a function name
// relative to the daemon's workspace. It returns the resolved project dir.
func (c *HTTPClient) Rebuild(ctx context.Context, project string) (string, error) {
	q := url.Values{"path": {project}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/v1/projects/rebuild", q), nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req.Header)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", statusError("rebuild", resp)
	}
	var payload struct {
		Project string `json:"project"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode rebuild response: %w", err)
	}
	return payload.Project, nil
}

// StreamEvents calls onEvent for each event with Seq > since, optionally only
// for one project, until ctx ends or onEvent returns false. A server-side
// close is reported as nil.
func (c *HTTPClient) StreamEvents(ctx context.Context, since int64, project string, onEvent func(job.Event) bool) error {
	conn, err := c.dialEvents(ctx, since, project)
	if err != nil {
		return err
	}
	defer conn.Close()
	return readEvents(ctx, conn, onEvent)
}

// RebuildAndWait queues a build and blocks until a job for that project
// succeeds or fails. Aborted jobs are skipped since a successor follows them.
func (c *HTTPClient) RebuildAndWait(ctx context.Context, project string, onEvent func(job.Event)) (job.Event, error) {
	conn, err := c.dialEvents(ctx, LiveOnly, project)
	if err != nil {
		return job.Event{}, err
	}
	defer conn.Close()

	if _, err := c.Rebuild(ctx, project); err != nil {
		return job.Event{}, err
	}

	var final job.Event
	err = readEvents(ctx, conn, func(ev job.Event) bool {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.State == job.StateSucceeded || ev.State == job.StateFailed {
			final = ev
			return false
		}
		return true
	})
	if err != nil {
		return job.Event{}, err
	}
	if final.JobID == "" {
		return job.Event{}, errors.New("event stream ended before the build finished")
	}
	return final, nil
}

func (c *HTTPClient) dialEvents(ctx context.Context, since int64, project string) (*websocket.Conn, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if project != "" {
		q.Set("project", project)
	}
	wsURL, err := toWebsocketURL(c.buildURL("/v1/events", q))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	c.setAuth(header)

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError("stream events", resp)
		}
		return nil, fmt.Errorf("dial events: %w", err)
	}
	return conn, nil
}

func readEvents(ctx context.Context, conn *websocket.Conn, onEvent func(job.Event) bool) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev job.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !onEvent(ev) {
			return nil
		}
	}
}

func (c *HTTPClient) buildURL(pathPart string, q url.Values) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + pathPart
	}
	u.Path = path.Join(u.Path, pathPart)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) setAuth(h http.Header) {
	header := c.AuthHeader
	if header == "" {
		header = defaultAuthHeader
	}
	if strings.TrimSpace(c.Token) != "" {
		h.Set(header, c.Token)
	}
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s failed: status=%d body=%s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
}
