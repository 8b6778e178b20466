// Package protocol defines the JSON-line message types exchanged between
// the engine and the interpreter agent running inside a session process.
package protocol

import "encoding/json"

// Submission is the envelope sent from engine → interpreter.
type Submission struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// EventKind is the closed vocabulary of interpreter feedback messages.
type EventKind string

const (
	EventStream  EventKind = "stream"  // incremental stdout/stderr text
	EventResult  EventKind = "result"  // value of the last expression
	EventDisplay EventKind = "display" // rich output (figures, tables)
	EventError   EventKind = "error"   // execution error with traceback
	EventStatus  EventKind = "status"  // interpreter state transition
)

// Interpreter states carried by status events.
const (
	StateReady = "ready" // agent started and accepting submissions
	StateBusy  = "busy"  // submission accepted, execution in progress
	StateIdle  = "idle"  // submission settled
)

// Event is the envelope sent from interpreter → engine. Exactly one group of
// fields is populated depending on Kind; the Aggregator matches exhaustively.
type Event struct {
	ID   string    `json:"id,omitempty"` // correlation id of the submission
	Kind EventKind `json:"kind"`

	// Stream fields
	Name string `json:"name,omitempty"` // "stdout" or "stderr"
	Text string `json:"text,omitempty"`

	// Result/Display fields: MIME type → payload. Images are base64.
	Data map[string]string `json:"data,omitempty"`

	// Error fields
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`

	// Status fields
	State    string `json:"state,omitempty"`
	Failed   bool   `json:"failed,omitempty"`    // idle after a failed submission
	ExitCode int    `json:"exit_code,omitempty"` // shell sessions only
}

// MIME types used in Data payloads.
const (
	MIMEText = "text/plain"
	MIMEPNG  = "image/png"
	MIMEHTML = "text/html"
	MIMEJSON = "application/json"
)

// ParseEvent decodes one JSON line from the interpreter channel.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(line, &ev)
	return ev, err
}

// MaxOutputBytes caps aggregated stdout per execution.
const MaxOutputBytes = 5 * 1024 * 1024 // 5 MB

// MaxLineBytes bounds a single channel line (large base64 images fit).
const MaxLineBytes = 16 * 1024 * 1024

// SentinelBegin is the marker a shell session prints before a command.
const SentinelBegin = "__CRISOL_BEGIN__"

// SentinelEnd is the marker a shell session prints after a command completes.
const SentinelEnd = "__CRISOL_END__"
