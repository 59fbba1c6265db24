package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mblsha/sentinel/internal/diagnostics"
	"github.com/mblsha/sentinel/internal/job"
)

// CrystalBuilder runs a job's before_build hooks then the compiler. Log lines
// carry the job id; a cancelled job logs neither its output nor a completion
// line, since a newer job has superseded it.
type CrystalBuilder struct {
	Runner Runner
	Shell  ScriptRunner
	Logger *slog.Logger
}

func NewCrystalBuilder(runner Runner, logger *slog.Logger) *CrystalBuilder {
	if runner == nil {
		runner = OSRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CrystalBuilder{
		Runner: runner,
		Shell:  ShellRunner{Runner: runner},
		Logger: logger,
	}
}

func (b *CrystalBuilder) Build(ctx context.Context, spec job.Spec) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{ExitCode: -1, Stage: job.StageBuild}, errors.New("job has no build command")
	}
	log := b.Logger.With("job_id", spec.ID, "project", spec.Project)
	log.Info("job started", "initial", spec.Initial)

	for _, hook := range spec.Hooks {
		log.Info("running before_build", "command", hook)
		var out lockedBuffer
		code, err := b.Shell.RunScript(ctx, hook, spec.Project, nil, &out)
		if ctx.Err() != nil {
			return Result{ExitCode: -1, Stage: job.StageBeforeBuild}, ctx.Err()
		}
		if err != nil {
			log.Error("job failed", "stage", job.StageBeforeBuild, "command", hook, "error", err)
			return Result{ExitCode: -1, Stage: job.StageBeforeBuild, Output: out.Bytes()}, fmt.Errorf("before_build %q: %w", hook, err)
		}
		if code != 0 {
			log.Error("before_build output", "command", hook, "output", out.String())
			log.Error("job failed", "stage", job.StageBeforeBuild, "exit_code", code)
			return Result{
				ExitCode: code,
				Stage:    job.StageBeforeBuild,
				Output:   out.Bytes(),
				Message:  fmt.Sprintf("before_build %q exited %d", hook, code),
			}, nil
		}
	}

	cmd := CommandSpec{
		Name: spec.Command[0],
		Args: spec.Command[1:],
		Dir:  spec.Project,
		Env:  MergeEnv(osEnviron(), spec.Env),
	}
	output, code, err := Capture(ctx, b.Runner, cmd)
	if ctx.Err() != nil {
		return Result{ExitCode: -1, Stage: job.StageBuild}, ctx.Err()
	}
	if err != nil {
		log.Error("job failed", "stage", job.StageBuild, "error", err)
		return Result{ExitCode: -1, Stage: job.StageBuild, Output: output}, fmt.Errorf("run %s: %w", cmd.Name, err)
	}

	res := Result{ExitCode: code, Stage: job.StageBuild, Output: output}
	if code != 0 {
		report := diagnostics.Parse(output)
		res.Diagnostics = report.Diagnostics
		res.Message = report.Summary(fmt.Sprintf("%s exited %d", cmd.Name, code))
		log.Error("build output", "output", string(output))
		log.Error("job failed", "stage", job.StageBuild, "exit_code", code, "errors", report.ErrorCount, "warnings", report.WarningCount)
		return res, nil
	}
	res.Message = "build succeeded"
	log.Info("job completed", "exit_code", code)
	return res, nil
}
