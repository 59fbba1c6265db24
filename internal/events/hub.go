// Package events fans job lifecycle events out to stream subscribers.
package events

import (
	"sync"
	"time"

	"github.com/mblsha/sentinel/internal/job"
)

const (
	defaultBacklog       = 512
	defaultSubscriberBuf = 128
)

// Hub keeps a bounded backlog of workspace events and a set of live
// subscribers. The zero value is not usable; call NewHub.
type Hub struct {
	mu          sync.Mutex
	backlog     []job.Event
	nextSeq     int64
	subscribers map[chan job.Event]struct{}
	closed      bool

	maxBacklog    int
	subscriberBuf int
	now           func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subscribers:   map[chan job.Event]struct{}{},
		maxBacklog:    defaultBacklog,
		subscriberBuf: defaultSubscriberBuf,
		now:           time.Now,
	}
}

// Publish stamps ev with the next sequence number and delivers it. A zero At is
// filled with the current time. The stamped event is returned.
func (h *Hub) Publish(ev job.Event) job.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	ev.Seq = h.nextSeq
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	if h.closed {
		return ev
	}

	list := append(h.backlog, ev)
	if len(list) > h.maxBacklog {
		list = list[len(list)-h.maxBacklog:]
	}
	h.backlog = list

	for ch := range h.subscribers {
		publish(ch, ev)
	}
	return ev
}

// Subscribe returns the retained events with Seq > since and a channel of
// subsequent events. The cancel func must be called to release the channel.
// After Close the channel is returned already closed.
func (h *Hub) Subscribe(since int64) ([]job.Event, <-chan job.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	backlog := h.sinceLocked(since)
	buf := h.subscriberBuf
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan job.Event, buf)
	if h.closed {
		close(ch)
		return backlog, ch, func() {}
	}
	h.subscribers[ch] = struct{}{}
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return backlog, ch, cancel
}

// Since returns the retained events with Seq > since.
func (h *Hub) Since(since int64) []job.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(since)
}

// Close ends every subscription. Later publishes only advance the sequence.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}

func (h *Hub) sinceLocked(since int64) []job.Event {
	if len(h.backlog) == 0 {
		return nil
	}
	out := make([]job.Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

func publish(ch chan job.Event, ev job.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	// Slow subscribers may miss progress events, never terminal ones.
	if !ev.Terminal() {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
