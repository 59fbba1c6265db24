// Package diagnostics extracts error and warning messages from captured
// Crystal compiler output.
package diagnostics

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mblsha/sentinel/internal/job"
)

type Report struct {
	Diagnostics  []job.Diagnostic
	ErrorCount   int
	WarningCount int
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	// "In src/handler.cr:3:5" precedes the message it locates.
	inPattern = regexp.MustCompile(`^In (.+?):(\d+)(?::(\d+))?:?$`)
	// Older compilers put the location on the message line itself.
	errorInPattern = regexp.MustCompile(`^Error in (.+?):(\d+)(?::(\d+))?: (.+)$`)
)

type location struct {
	file      string
	line, col int
}

// Parse scans compiler output for Error: and Warning: lines. Duplicates, as
// printed once per macro expansion frame, are reported once.
func Parse(output []byte) Report {
	var report Report
	seen := map[string]struct{}{}
	var pending *location

	add := func(d job.Diagnostic) {
		key := diagnosticKey(d)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		report.Diagnostics = append(report.Diagnostics, d)
		if d.Severity == job.SeverityError {
			report.ErrorCount++
		} else {
			report.WarningCount++
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(ansiPattern.ReplaceAllString(sc.Text(), ""))
		if line == "" {
			continue
		}
		if m := inPattern.FindStringSubmatch(line); m != nil {
			pending = &location{file: m[1], line: atoi(m[2]), col: atoi(m[3])}
			continue
		}
		if m := errorInPattern.FindStringSubmatch(line); m != nil {
			add(job.Diagnostic{Severity: job.SeverityError, Message: m[4], File: m[1], Line: atoi(m[2]), Column: atoi(m[3])})
			pending = nil
			continue
		}

		var severity job.Severity
		var msg string
		switch {
		case strings.HasPrefix(line, "Error:"):
			severity, msg = job.SeverityError, strings.TrimPrefix(line, "Error:")
		case strings.HasPrefix(line, "Warning:"):
			severity, msg = job.SeverityWarning, strings.TrimPrefix(line, "Warning:")
		default:
			continue
		}
		d := job.Diagnostic{Severity: severity, Message: strings.TrimSpace(msg)}
		if pending != nil {
			d.File, d.Line, d.Column = pending.file, pending.line, pending.col
		}
		pending = nil
		add(d)
	}
	return report
}

// FirstError returns the first error diagnostic, which is the one the
// compiler stopped on.
func (r Report) FirstError() (job.Diagnostic, bool) {
	for _, d := range r.Diagnostics {
		if d.Severity == job.SeverityError {
			return d, true
		}
	}
	return job.Diagnostic{}, false
}

// Summary is a one-line description of the first error, or fallback.
func (r Report) Summary(fallback string) string {
	d, ok := r.FirstError()
	if !ok {
		return fallback
	}
	return Format(d)
}

func Format(d job.Diagnostic) string {
	switch {
	case d.File != "" && d.Line > 0 && d.Column > 0:
		return fmt.Sprintf("%s (%s:%d:%d)", d.Message, d.File, d.Line, d.Column)
	case d.File != "" && d.Line > 0:
		return fmt.Sprintf("%s (%s:%d)", d.Message, d.File, d.Line)
	case d.File != "":
		return fmt.Sprintf("%s (%s)", d.Message, d.File)
	default:
		return d.Message
	}
}

func atoi(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func diagnosticKey(d job.Diagnostic) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", d.Severity, d.Message, d.File, d.Line, d.Column)
}
