package job

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateAborted   State = "ABORTED"
)

const (
	StageBeforeBuild = "before_build"
	StageBuild       = "build"
)

// Spec is one planned compilation attempt for a project.
type Spec struct {
	ID      string            `json:"id"`
	Project string            `json:"project"`
	Entry   string            `json:"entry"`
	Hooks   []string          `json:"hooks,omitempty"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Initial bool              `json:"initial"`
}

type Record struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	Initial bool   `json:"initial"`

	State   State  `json:"state"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

func New(spec Spec, now time.Time) *Record {
	n := now.UTC()
	return &Record{
		ID:        spec.ID,
		Project:   spec.Project,
		Initial:   spec.Initial,
		State:     StateRunning,
		StartedAt: n,
		UpdatedAt: n,
	}
}

func (r *Record) Transition(next State, now time.Time, message string) error {
	if !isValidTransition(r.State, next) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, next)
	}
	n := now.UTC()
	r.State = next
	r.UpdatedAt = n
	r.Message = message
	if next != StateRunning {
		r.FinishedAt = &n
	}
	return nil
}

func (r *Record) MarkFailed(now time.Time, stage, message string, err error, exitCode int) error {
	if err == nil {
		err = errors.New("build failed")
	}
	if err := r.Transition(StateFailed, now, message); err != nil {
		return err
	}
	r.Stage = stage
	r.Error = err.Error()
	r.ExitCode = &exitCode
	return nil
}

func (r *Record) MarkSucceeded(now time.Time, message string, exitCode int) error {
	if err := r.Transition(StateSucceeded, now, message); err != nil {
		return err
	}
	r.Stage = StageBuild
	r.Error = ""
	r.ExitCode = &exitCode
	return nil
}

func (r *Record) MarkAborted(now time.Time, message string) error {
	return r.Transition(StateAborted, now, message)
}

func (r *Record) Terminal() bool {
	return r.State != StateRunning
}

func (r *Record) Duration() time.Duration {
	if r.FinishedAt == nil {
		return r.UpdatedAt.Sub(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func isValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	switch from {
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateAborted
	default:
		return false
	}
}
