// Package discovery advertises the status API over mDNS and lets the CLI find
// a running daemon, optionally one supervising a specific workspace.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultService = "_sentinel._tcp"
	DefaultDomain  = "local."

	txtWorkspace = "workspace="
)

var ErrNoServiceFound = errors.New("no sentinel daemon found")

type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
	Text     []string
}

// Workspace returns the workspace root the daemon advertised, if any.
func (e ServiceEntry) Workspace() string {
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, txtWorkspace); ok {
			return v
		}
	}
	return ""
}

type Endpoint struct {
	URL       string
	Instance  string
	Workspace string
}

type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

// Query selects which daemon to return. An empty Workspace matches any.
type Query struct {
	Service   string
	Domain    string
	Workspace string
}

func (q Query) normalized() Query {
	q.Service = strings.TrimSpace(q.Service)
	q.Domain = strings.TrimSpace(q.Domain)
	if q.Service == "" {
		q.Service = DefaultService
	}
	if q.Domain == "" {
		q.Domain = DefaultDomain
	}
	return q
}

func Discover(ctx context.Context, q Query) (Endpoint, error) {
	return DiscoverWith(ctx, NewMDBrowser(), q)
}

// DiscoverWith returns the first usable entry matching q. It keeps listening
// after Browse returns, since some browsers deliver entries asynchronously,
// and gives up when ctx ends.
func DiscoverWith(ctx context.Context, browser Browser, q Query) (Endpoint, error) {
	if browser == nil {
		return Endpoint{}, errors.New("browser is required")
	}
	q = q.normalized()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan ServiceEntry, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- browser.Browse(scanCtx, q.Service, q.Domain, entries)
	}()

	for {
		select {
		case <-scanCtx.Done():
			return Endpoint{}, fmt.Errorf("discover %s: %w", q.Service, ErrNoServiceFound)
		case err := <-errCh:
			if err != nil {
				return Endpoint{}, fmt.Errorf("browse %s: %w", q.Service, err)
			}
			errCh = nil
		case entry := <-entries:
			if q.Workspace != "" && entry.Workspace() != q.Workspace {
				continue
			}
			if endpoint, ok := EndpointFromEntry(entry); ok {
				return endpoint, nil
			}
		}
	}
}

func EndpointFromEntry(entry ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 {
		return Endpoint{}, false
	}
	ip := pickIP(entry.IPv4, entry.IPv6)
	if ip == nil {
		return Endpoint{}, false
	}
	return Endpoint{
		URL:       "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
		Instance:  entry.Instance,
		Workspace: entry.Workspace(),
	}, true
}

// ParseListenPort extracts the port to advertise from a listen address.
func ParseListenPort(listenAddr string) (int, error) {
	trimmed := strings.TrimSpace(listenAddr)
	if trimmed == "" {
		return 0, errors.New("listen address is required")
	}
	_, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen port out of range: %d", port)
	}
	return port, nil
}

// pickIP prefers routable addresses, IPv4 first, and falls back to loopback.
func pickIP(ipv4, ipv6 []net.IP) net.IP {
	for _, pass := range []func(net.IP) bool{
		func(ip net.IP) bool { return !ip.IsLoopback() },
		func(net.IP) bool { return true },
	} {
		for _, list := range [][]net.IP{ipv4, ipv6} {
			for _, ip := range list {
				if ip != nil && !ip.IsUnspecified() && pass(ip) {
					return ip
				}
			}
		}
	}
	return nil
}
