package job

import "time"

type Event struct {
	Seq int64 `json:"seq"`

	JobID   string `json:"job_id"`
	Project string `json:"project"`
	Type    string `json:"type"`
	State   State  `json:"state"`

	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`

	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

func (e Event) Terminal() bool {
	return e.State == StateSucceeded || e.State == StateFailed || e.State == StateAborted
}

// EventFor snapshots rec as an event of the given type.
func EventFor(rec *Record, eventType string) Event {
	var exitCode *int
	if rec.ExitCode != nil {
		ec := *rec.ExitCode
		exitCode = &ec
	}
	return Event{
		JobID:    rec.ID,
		Project:  rec.Project,
		Type:     eventType,
		State:    rec.State,
		Stage:    rec.Stage,
		Message:  rec.Message,
		Error:    rec.Error,
		ExitCode: exitCode,
		At:       rec.UpdatedAt,
	}
}
