package builder

import (
	"context"
	"sync"

	"github.com/mblsha/sentinel/internal/job"
)

// FakeBuilder is intended for tests and local dry-runs.
type FakeBuilder struct {
	mu sync.Mutex

	calls    []job.Spec
	canceled int

	// FailProjects maps a project dir to the exit code its builds report.
	FailProjects map[string]int
	// BlockCh holds every build until it is closed or the job is cancelled.
	BlockCh <-chan struct{}
	// Started, when set, receives each spec as its build begins.
	Started chan<- job.Spec
}

func (b *FakeBuilder) Build(ctx context.Context, spec job.Spec) (Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, spec)
	b.mu.Unlock()

	if b.Started != nil {
		select {
		case b.Started <- spec:
		case <-ctx.Done():
		}
	}

	if b.BlockCh != nil {
		select {
		case <-ctx.Done():
		case <-b.BlockCh:
		}
	}
	if ctx.Err() != nil {
		b.mu.Lock()
		b.canceled++
		b.mu.Unlock()
		return Result{ExitCode: -1, Stage: job.StageBuild}, ctx.Err()
	}

	if code, ok := b.FailProjects[spec.Project]; ok && code != 0 {
		return Result{ExitCode: code, Stage: job.StageBuild, Message: "fake build failed"}, nil
	}
	return Result{ExitCode: 0, Stage: job.StageBuild, Message: "fake build succeeded"}, nil
}

func (b *FakeBuilder) Calls() []job.Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]job.Spec(nil), b.calls...)
}

func (b *FakeBuilder) Canceled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}
