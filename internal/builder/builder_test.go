package builder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mblsha/sentinel/internal/job"
	"github.com/mblsha/sentinel/internal/logging"
)

func TestPlan_InjectsRelativeHandlerPath(t *testing.T) {
	tc := Toolchain{
		Compiler:   "crystal",
		Shim:       "/opt/sentinel/runtime/crystal_runtime.cr",
		Artifact:   "handler",
		HandlerEnv: "HANDLER_PATH",
	}
	spec, err := tc.Plan("/ws/fn1", "/ws/fn1/src/handler", []string{"shards install"}, true)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if got := spec.Env["HANDLER_PATH"]; got != "../../../ws/fn1/src/handler" {
		t.Fatalf("unexpected handler path %q", got)
	}
	want := []string{"crystal", "build", "/opt/sentinel/runtime/crystal_runtime.cr", "-o", "handler"}
	if strings.Join(spec.Command, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected command %#v", spec.Command)
	}
	if !spec.Initial || len(spec.Hooks) != 1 {
		t.Fatalf("unexpected spec %#v", spec)
	}

	other, err := tc.Plan("/ws/fn1", "/ws/fn1/src/handler", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if spec.ID == "" || other.ID == spec.ID {
		t.Fatalf("expected unique job ids, got %q and %q", spec.ID, other.ID)
	}
}

func TestPlan_RequiresShim(t *testing.T) {
	if _, err := (Toolchain{Compiler: "crystal"}).Plan("/ws/fn1", "/ws/fn1/handler", nil, false); err == nil {
		t.Fatalf("expected error without shim")
	}
}

func TestMergeEnv_OverridesWin(t *testing.T) {
	env := MergeEnv([]string{"A=1", "HANDLER_PATH=old"}, map[string]string{"HANDLER_PATH": "new"})
	if env[len(env)-1] != "HANDLER_PATH=new" {
		t.Fatalf("expected override last, got %#v", env)
	}
}

func TestCrystalBuilder_RunsHooksInOrderThenBuild(t *testing.T) {
	fake := &scriptedRunner{}
	b, logs := newTestBuilder(fake)

	res, err := b.Build(context.Background(), testSpec([]string{"shards install", "make gen"}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got %#v", res)
	}
	if got := strings.Join(fake.scripts, ","); got != "shards install,make gen" {
		t.Fatalf("unexpected hook order %q", got)
	}
	if len(fake.specs) != 1 {
		t.Fatalf("expected one compiler invocation, got %d", len(fake.specs))
	}
	cmd := fake.specs[0]
	if cmd.Name != "crystal" || cmd.Dir != "/ws/fn1" {
		t.Fatalf("unexpected command %#v", cmd)
	}
	if !containsEnv(cmd.Env, "HANDLER_PATH=../../ws/fn1/handler") {
		t.Fatalf("expected handler path in env")
	}
	out := logs.String()
	if !strings.Contains(out, "job started") || !strings.Contains(out, "job completed") {
		t.Fatalf("expected start and completion lines, got:\n%s", out)
	}
	if strings.Contains(out, "build output") {
		t.Fatalf("did not expect output logged on success")
	}
}

func TestCrystalBuilder_HookFailureSkipsBuild(t *testing.T) {
	fake := &scriptedRunner{scriptCodes: map[string]int{"make gen": 2}}
	b, logs := newTestBuilder(fake)

	res, err := b.Build(context.Background(), testSpec([]string{"make gen", "never runs"}))
	if err != nil {
		t.Fatalf("hook failure must not be an error: %v", err)
	}
	if res.Succeeded() || res.ExitCode != 2 || res.Stage != job.StageBeforeBuild {
		t.Fatalf("unexpected result %#v", res)
	}
	if len(fake.scripts) != 1 {
		t.Fatalf("expected to stop at first failing hook, ran %v", fake.scripts)
	}
	if len(fake.specs) != 0 {
		t.Fatalf("compiler must not run after a failed hook")
	}
	out := logs.String()
	if !strings.Contains(out, "job failed") || !strings.Contains(out, "hook output") {
		t.Fatalf("expected failure and hook output logged, got:\n%s", out)
	}
}

func TestCrystalBuilder_BuildFailureLogsOutput(t *testing.T) {
	fake := &scriptedRunner{buildCode: 1, buildOutput: "Error: undefined method"}
	b, logs := newTestBuilder(fake)

	res, err := b.Build(context.Background(), testSpec(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 1 || res.Stage != job.StageBuild {
		t.Fatalf("unexpected result %#v", res)
	}
	if res.Message != "undefined method" || len(res.Diagnostics) != 1 {
		t.Fatalf("expected compiler error summarized, got %q %+v", res.Message, res.Diagnostics)
	}
	out := logs.String()
	if !strings.Contains(out, "undefined method") || !strings.Contains(out, "exit_code=1") {
		t.Fatalf("expected output and exit status logged, got:\n%s", out)
	}
}

func TestCrystalBuilder_CancelledJobLogsNoCompletion(t *testing.T) {
	fake := &scriptedRunner{block: true, buildOutput: "stale output"}
	b, logs := newTestBuilder(fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := b.Build(ctx, testSpec(nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	out := logs.String()
	if strings.Contains(out, "job completed") || strings.Contains(out, "job failed") || strings.Contains(out, "stale output") {
		t.Fatalf("cancelled job must not report, got:\n%s", out)
	}
}

func TestCrystalBuilder_SpawnErrorIsReported(t *testing.T) {
	fake := &scriptedRunner{buildErr: errors.New("exec: crystal: not found")}
	b, logs := newTestBuilder(fake)

	_, err := b.Build(context.Background(), testSpec(nil))
	if err == nil {
		t.Fatalf("expected spawn error")
	}
	if !strings.Contains(logs.String(), "job failed") {
		t.Fatalf("expected failure logged")
	}
}

func newTestBuilder(r *scriptedRunner) (*CrystalBuilder, *lockedBuffer) {
	logs := &lockedBuffer{}
	b := NewCrystalBuilder(r, logging.NewWithWriter(logs, "test", 0))
	b.Shell = r
	return b, logs
}

func testSpec(hooks []string) job.Spec {
	tc := Toolchain{Compiler: "crystal", Shim: "/opt/shim/runtime.cr", Artifact: "handler", HandlerEnv: "HANDLER_PATH"}
	spec, err := tc.Plan("/ws/fn1", "/ws/fn1/handler", hooks, hooks != nil)
	if err != nil {
		panic(err)
	}
	return spec
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

type scriptedRunner struct {
	mu sync.Mutex

	scripts     []string
	scriptCodes map[string]int
	specs       []CommandSpec

	block       bool
	buildCode   int
	buildOutput string
	buildErr    error
}

func (r *scriptedRunner) RunScript(ctx context.Context, script, dir string, env []string, out io.Writer) (int, error) {
	r.mu.Lock()
	r.scripts = append(r.scripts, script)
	r.mu.Unlock()
	if code := r.scriptCodes[script]; code != 0 {
		_, _ = io.WriteString(out, "hook output for "+script)
		return code, nil
	}
	return 0, nil
}

func (r *scriptedRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	_, _ = io.Copy(stdout, bytes.NewBufferString(r.buildOutput))
	if r.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if r.buildErr != nil {
		return -1, r.buildErr
	}
	return r.buildCode, nil
}
