package worker

import (
	"fmt"
	"strings"
)

// ExecError is a user-code failure reported through the control channel.
type ExecError struct {
	Ename     string
	Evalue    string
	Traceback []string
}

func (e *ExecError) Error() string {
	if e.Evalue == "" {
		return e.Ename
	}
	return fmt.Sprintf("%s: %s", e.Ename, e.Evalue)
}

// parseExecError shapes a raw control-channel error body into an ExecError.
// A multi-line body is treated as a traceback whose last line carries
// "Name: value"; anything else becomes the value under a synthetic ename.
func parseExecError(body string) *ExecError {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) > 1 {
		last := ""
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.TrimSpace(lines[i]) != "" {
				last = lines[i]
				break
			}
		}
		name, value, found := strings.Cut(last, ": ")
		if found && name != "" && !strings.ContainsAny(name, " \t") {
			return &ExecError{Ename: name, Evalue: value, Traceback: lines}
		}
		return &ExecError{Ename: "ExecutionError", Evalue: last, Traceback: lines}
	}
	return &ExecError{Ename: "ExecutionError", Evalue: body}
}

// isInterruptError reports whether a control-channel error body describes a
// KeyboardInterrupt, the worker-side face of a raised interrupt byte.
func isInterruptError(body string) bool {
	return strings.Contains(body, "KeyboardInterrupt")
}
