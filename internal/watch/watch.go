// Package watch turns filesystem changes under a root directory into a stream
// of (path, kind) events.
//
// Two sources are provided: Notify uses native notifications via fsnotify and
// adds watches for new subdirectories as they appear; Poll rescans the tree on
// an interval. Directories whose name starts with a dot are not watched by
// either source. Consumers see the same contract: Events is closed when the
// stream ends, and Err then reports why (nil when the context was cancelled or
// the root itself went away).
package watch

import (
	"context"
	"sync"
)

type Kind int

const (
	Other Kind = iota
	Created
	Modified
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "other"
	}
}

type Event struct {
	Path string
	Kind Kind
}

type Stream interface {
	Events() <-chan Event
	Err() error
}

type Source interface {
	Watch(ctx context.Context, root string) (Stream, error)
}

const eventBuffer = 256

type stream struct {
	events chan Event

	mu  sync.Mutex
	err error
}

func newStream() *stream {
	return &stream{events: make(chan Event, eventBuffer)}
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finish records err and closes the event channel. Only the producing
// goroutine calls it.
func (s *stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

func (s *stream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func hidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}
