package builder

import (
	"context"
	"fmt"
	"io"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ScriptRunner runs a before_build shell line.
type ScriptRunner interface {
	RunScript(ctx context.Context, script, dir string, env []string, out io.Writer) (int, error)
}

// ShellRunner interprets scripts with mvdan.cc/sh and spawns every external
// command through Runner, so hook processes get the same dir, env and
// process-group handling as the compiler.
type ShellRunner struct {
	Runner Runner
}

func (s ShellRunner) RunScript(ctx context.Context, script, dir string, env []string, out io.Writer) (int, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		return -1, fmt.Errorf("parse %q: %w", script, err)
	}
	if env == nil {
		env = osEnviron()
	}
	r, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, out, out),
		interp.ExecHandler(s.execHandler),
	)
	if err != nil {
		return -1, fmt.Errorf("create shell: %w", err)
	}

	err = r.Run(ctx, prog)
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if status, ok := interp.IsExitStatus(err); ok {
		return int(status), nil
	}
	return -1, err
}

func (s ShellRunner) execHandler(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	hc := interp.HandlerCtx(ctx)
	path, err := interp.LookPathDir(hc.Dir, hc.Env, args[0])
	if err != nil {
		fmt.Fprintln(hc.Stderr, err)
		return interp.NewExitStatus(127)
	}

	var env []string
	hc.Env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported {
			env = append(env, name+"="+vr.String())
		}
		return true
	})

	runner := s.Runner
	if runner == nil {
		runner = OSRunner{}
	}
	code, err := runner.Run(ctx, CommandSpec{Name: path, Args: args[1:], Dir: hc.Dir, Env: env}, hc.Stdout, hc.Stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		if code < 0 || code > 255 {
			code = 255
		}
		return interp.NewExitStatus(uint8(code))
	}
	return nil
}
