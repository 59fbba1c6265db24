package diagnostics

import (
	"testing"

	"github.com/mblsha/sentinel/internal/job"
)

const undefinedMethod = `Showing last frame. Use --error-trace for full trace.

In src/handler.cr:3:5

 3 | foo bar
         ^--
Error: undefined local variable or method 'bar' for top-level
`

func TestParse_LocatesLastFrameError(t *testing.T) {
	report := Parse([]byte(undefinedMethod))
	if report.ErrorCount != 1 || report.WarningCount != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	d := report.Diagnostics[0]
	if d.File != "src/handler.cr" || d.Line != 3 || d.Column != 5 {
		t.Fatalf("unexpected location: %+v", d)
	}
	if d.Message != "undefined local variable or method 'bar' for top-level" {
		t.Fatalf("unexpected message: %q", d.Message)
	}
	want := "undefined local variable or method 'bar' for top-level (src/handler.cr:3:5)"
	if got := report.Summary("fallback"); got != want {
		t.Fatalf("Summary() = %q, want %q", got, want)
	}
}

func TestParse_WarningsAndDuplicates(t *testing.T) {
	out := "In handler.cr:1:1\n\nWarning: Deprecated top-level macro\n" +
		"In handler.cr:1:1\n\nWarning: Deprecated top-level macro\n" +
		"\x1b[1mError in handler.cr:7: expecting token 'end'\x1b[0m\n"
	report := Parse([]byte(out))
	if report.WarningCount != 1 {
		t.Fatalf("expected duplicate warnings to collapse, got %d", report.WarningCount)
	}
	if report.ErrorCount != 1 {
		t.Fatalf("expected 1 error, got %d", report.ErrorCount)
	}
	d, ok := report.FirstError()
	if !ok || d.File != "handler.cr" || d.Line != 7 || d.Column != 0 {
		t.Fatalf("unexpected first error: %+v", d)
	}
	if got := Format(d); got != "expecting token 'end' (handler.cr:7)" {
		t.Fatalf("Format() = %q", got)
	}
	if report.Diagnostics[0].Severity != job.SeverityWarning {
		t.Fatalf("expected warning first, got %+v", report.Diagnostics[0])
	}
}

func TestParse_UnlocatedError(t *testing.T) {
	report := Parse([]byte("Error: can't find file './missing'\n"))
	d, ok := report.FirstError()
	if !ok || d.File != "" {
		t.Fatalf("unexpected diagnostic: %+v", d)
	}
	if got := report.Summary("x"); got != "can't find file './missing'" {
		t.Fatalf("Summary() = %q", got)
	}
}

func TestSummary_FallsBackWithoutErrors(t *testing.T) {
	report := Parse([]byte("linking...\n"))
	if len(report.Diagnostics) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", report.Diagnostics)
	}
	if got := report.Summary("crystal exited 1"); got != "crystal exited 1" {
		t.Fatalf("Summary() = %q", got)
	}
}
