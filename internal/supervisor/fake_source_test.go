package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mblsha/sentinel/internal/watch"
)

type fakeStream struct {
	events chan watch.Event
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (s *fakeStream) Events() <-chan watch.Event { return s.events }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

// fakeSource hands out one controllable stream per Watch call.
type fakeSource struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: map[string][]*fakeStream{}}
}

func (f *fakeSource) Watch(ctx context.Context, root string) (watch.Stream, error) {
	s := &fakeStream{events: make(chan watch.Event, 64)}
	f.mu.Lock()
	f.streams[root] = append(f.streams[root], s)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.end(nil)
	}()
	return s, nil
}

func (f *fakeSource) latest(root string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.streams[root]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeSource) count(root string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[root])
}

func (f *fakeSource) emit(t *testing.T, root string, ev watch.Event) {
	t.Helper()
	var s *fakeStream
	waitFor(t, 2*time.Second, func() bool {
		s = f.latest(root)
		return s != nil
	})
	s.events <- ev
}

func (f *fakeSource) fail(t *testing.T, root string, err error) {
	t.Helper()
	var s *fakeStream
	waitFor(t, 2*time.Second, func() bool {
		s = f.latest(root)
		return s != nil
	})
	s.end(err)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) count(msg string) int {
	return strings.Count(b.String(), "msg=\""+msg+"\"")
}
