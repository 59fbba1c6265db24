package builder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mblsha/sentinel/internal/job"
)

// Result is the outcome of a build attempt that ran to completion. A nonzero
// ExitCode is a normal failure, not an error.
type Result struct {
	ExitCode int
	Stage    string
	Output   []byte
	Message  string
	// Diagnostics holds the compiler messages of a failed build.
	Diagnostics []job.Diagnostic
}

func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Builder executes a planned job. It returns an error only when the job could
// not run to completion: the context was cancelled or a process could not be
// started.
type Builder interface {
	Build(ctx context.Context, spec job.Spec) (Result, error)
}

// Toolchain holds the fixed compiler invocation shared by every project.
type Toolchain struct {
	Compiler   string
	Shim       string
	Artifact   string
	HandlerEnv string
}

// Plan prepares one compilation attempt. The handler path is injected relative
// to the shim's directory, which is where the shim resolves its require.
func (t Toolchain) Plan(projectDir, entry string, hooks []string, initial bool) (job.Spec, error) {
	if strings.TrimSpace(t.Compiler) == "" {
		return job.Spec{}, errors.New("compiler is required")
	}
	if strings.TrimSpace(t.Shim) == "" {
		return job.Spec{}, errors.New("runtime shim is required")
	}
	rel, err := filepath.Rel(filepath.Dir(t.Shim), entry)
	if err != nil {
		return job.Spec{}, fmt.Errorf("resolve handler path: %w", err)
	}
	return job.Spec{
		ID:      uuid.NewString(),
		Project: projectDir,
		Entry:   entry,
		Hooks:   append([]string(nil), hooks...),
		Command: []string{t.Compiler, "build", t.Shim, "-o", t.Artifact},
		Env:     map[string]string{t.HandlerEnv: filepath.ToSlash(rel)},
		Initial: initial,
	}, nil
}

// MergeEnv overlays overrides onto base. exec.Cmd keeps the last value of a
// duplicated key.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	out = append(out, base...)
	for _, k := range sortedKeys(overrides) {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
