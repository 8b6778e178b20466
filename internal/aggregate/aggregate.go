// Package aggregate classifies interpreter feedback into the uniform
// execution result shared by the stateless and session executors.
package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/d-araiza/crisol/protocol"
)

// Status is the terminal classification of one execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is produced exactly once per request.
type Result struct {
	Status         Status         `json:"status"`
	Stdout         string         `json:"stdout"`
	Error          string         `json:"error,omitempty"`
	ExecutionTime  time.Duration  `json:"execution_time"`
	Visualizations []string       `json:"visualizations"` // base64 images, arrival order
	StructuredData map[string]any `json:"structured_data"`
	ExecutionCount int            `json:"execution_count,omitempty"` // session mode only
}

// Artifacts are files discovered in a stateless execution's working
// directory after exit.
type Artifacts struct {
	Images []string       // base64, filename order
	Data   map[string]any // file stem → parsed content
}

// FromEvents folds an ordered event sequence into a Result. It is a pure
// function: identical sequences produce identical results, and stdout
// preserves arrival order.
func FromEvents(events []protocol.Event, elapsed time.Duration) *Result {
	res := &Result{
		Status:         StatusSuccess,
		ExecutionTime:  elapsed,
		Visualizations: []string{},
		StructuredData: map[string]any{},
	}

	var stdout strings.Builder
	sawError := false

	for _, ev := range events {
		switch ev.Kind {
		case protocol.EventStream:
			stdout.WriteString(ev.Text)

		case protocol.EventResult, protocol.EventDisplay:
			if text, ok := ev.Data[protocol.MIMEText]; ok {
				stdout.WriteString(text)
				stdout.WriteString("\n")
			}
			if img, ok := ev.Data[protocol.MIMEPNG]; ok {
				res.Visualizations = append(res.Visualizations, img)
			}
			if html, ok := ev.Data[protocol.MIMEHTML]; ok {
				putStructured(res.StructuredData, "html", html)
			}
			if js, ok := ev.Data[protocol.MIMEJSON]; ok {
				putStructured(res.StructuredData, "json", js)
			}

		case protocol.EventError:
			sawError = true
			msg := ev.Ename
			if ev.Evalue != "" {
				msg += ": " + ev.Evalue
			}
			if len(ev.Traceback) > 0 {
				msg += "\n" + strings.Join(ev.Traceback, "\n")
			}
			res.Error = msg

		case protocol.EventStatus:
			// A failed idle with no richer error already captured is
			// itself the error signal.
			if ev.State == protocol.StateIdle && ev.Failed && !sawError {
				sawError = true
				res.Error = idleFailureMessage(ev)
			}
		}
	}

	res.Stdout = truncate(stdout.String())
	if sawError {
		res.Status = StatusError
	}
	return res
}

// FromRun builds a Result for the stateless path from raw process output
// and directory-scanned artifacts.
func FromRun(exitCode int, stdout, stderr string, artifacts Artifacts, elapsed time.Duration) *Result {
	res := &Result{
		Status:         StatusSuccess,
		Stdout:         truncate(stdout),
		ExecutionTime:  elapsed,
		Visualizations: artifacts.Images,
		StructuredData: artifacts.Data,
	}
	if res.Visualizations == nil {
		res.Visualizations = []string{}
	}
	if res.StructuredData == nil {
		res.StructuredData = map[string]any{}
	}
	if exitCode != 0 {
		res.Status = StatusError
		res.Error = strings.TrimRight(stderr, "\n")
		if res.Error == "" {
			res.Error = "process exited with non-zero status"
		}
	}
	return res
}

// putStructured stores a rich payload without clobbering an earlier one of
// the same kind: repeats get an ordinal suffix (html, html_2, html_3, ...).
func putStructured(m map[string]any, key string, v any) {
	if _, taken := m[key]; !taken {
		m[key] = v
		return
	}
	for i := 2; ; i++ {
		k := fmt.Sprintf("%s_%d", key, i)
		if _, taken := m[k]; !taken {
			m[k] = v
			return
		}
	}
}

func idleFailureMessage(ev protocol.Event) string {
	if ev.ExitCode != 0 {
		return fmt.Sprintf("command exited with status %d", ev.ExitCode)
	}
	return "execution failed"
}

func truncate(s string) string {
	if len(s) > protocol.MaxOutputBytes {
		return s[:protocol.MaxOutputBytes]
	}
	return s
}
