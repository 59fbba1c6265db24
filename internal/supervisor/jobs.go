package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/metrics"
)

const abortedMessage = "superseded by a newer change"

// jobHandle is the registry's "running" handle. Its record stays readable
// after the job finishes.
type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	rec *job.Record
}

func (h *jobHandle) Cancel() {
	h.cancel()
}

func (h *jobHandle) Done() <-chan struct{} {
	return h.done
}

func (h *jobHandle) Record() job.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := *h.rec
	return rec
}

func (s *Supervisor) startJob(parent context.Context, spec job.Spec) *jobHandle {
	ctx, cancel := context.WithCancel(parent)
	rec := job.New(spec, s.now())
	h := &jobHandle{cancel: cancel, done: make(chan struct{}), rec: rec}

	s.metrics.BuildStarted()
	s.publish(rec, "started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer cancel()
		s.runJob(ctx, h, spec)
	}()
	return h
}

func (s *Supervisor) runJob(ctx context.Context, h *jobHandle, spec job.Spec) {
	res, err := s.builder.Build(ctx, spec)
	now := s.now()

	h.mu.Lock()
	rec := h.rec
	var eventType string
	switch {
	case ctx.Err() != nil:
		_ = rec.MarkAborted(now, abortedMessage)
		eventType = metrics.OutcomeAborted
	case err != nil:
		_ = rec.MarkFailed(now, res.Stage, res.Message, err, res.ExitCode)
		eventType = metrics.OutcomeFailed
	case res.Succeeded():
		_ = rec.MarkSucceeded(now, res.Message, res.ExitCode)
		eventType = metrics.OutcomeSucceeded
	default:
		var failure error
		if res.Message != "" {
			failure = errors.New(res.Message)
		}
		_ = rec.MarkFailed(now, res.Stage, res.Message, failure, res.ExitCode)
		rec.Diagnostics = res.Diagnostics
		eventType = metrics.OutcomeFailed
	}
	ev := job.EventFor(rec, eventType)
	elapsed := rec.Duration()
	h.mu.Unlock()

	if eventType == metrics.OutcomeAborted {
		s.metrics.BuildAborted(elapsed)
	} else {
		s.metrics.BuildFinished(eventType, elapsed)
	}
	if s.hub != nil {
		s.hub.Publish(ev)
	}
}
