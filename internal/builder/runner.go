package builder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps draining output after the process is
// gone, so a grandchild holding the pipe cannot pin a cancelled job.
const waitDelay = 2 * time.Second

var osEnviron = os.Environ

type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	// Env is the complete environment; nil inherits the supervisor's.
	Env []string
}

type Runner interface {
	Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

type OSRunner struct{}

// Run starts spec and waits for it. A nonzero exit comes back as the exit code
// with a nil error. Cancelling ctx kills the whole process group.
func (OSRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Capture runs spec with stdout and stderr interleaved into one buffer.
func Capture(ctx context.Context, r Runner, spec CommandSpec) ([]byte, int, error) {
	var out lockedBuffer
	code, err := r.Run(ctx, spec, &out, &out)
	return out.Bytes(), code, err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *lockedBuffer) String() string {
	return string(b.Bytes())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
