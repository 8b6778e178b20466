// Package runtime maps language names to the interpreter binaries used to
// spawn processes, and knows which languages support long-lived sessions.
package runtime

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrUnknownLanguage = errors.New("unknown language")

// SessionMode describes how a language runs in session mode.
type SessionMode int

const (
	// SessionNone: no persistent runtime; session requests fall back to
	// the stateless executor.
	SessionNone SessionMode = iota
	// SessionKernel: persistent interpreter driven by the embedded agent
	// over JSON lines.
	SessionKernel
	// SessionShell: persistent shell under a PTY with sentinel capture.
	SessionShell
)

// Spec describes one supported language.
type Spec struct {
	Name        string // canonical name
	Binary      string // interpreter binary (overridable via config)
	CodeFile    string // filename user code is written to
	SessionMode SessionMode
	// Plotting reports whether the stateless harness should auto-save
	// pending figures before exit.
	Plotting bool
}

var builtins = []Spec{
	{Name: "python", Binary: "python3", CodeFile: "code.py", SessionMode: SessionKernel, Plotting: true},
	{Name: "javascript", Binary: "node", CodeFile: "code.js", SessionMode: SessionNone},
	{Name: "shell", Binary: "bash", CodeFile: "code.sh", SessionMode: SessionShell},
}

var aliases = map[string]string{
	"python3": "python",
	"py":      "python",
	"node":    "javascript",
	"js":      "javascript",
	"bash":    "shell",
	"sh":      "shell",
}

// Registry resolves language names and checks interpreter availability.
type Registry struct {
	specs    map[string]Spec
	lookPath func(string) (string, error)
}

// NewRegistry builds the registry. overrides maps language name → binary
// path and comes from config.
func NewRegistry(overrides map[string]string) *Registry {
	specs := make(map[string]Spec, len(builtins))
	for _, s := range builtins {
		if bin, ok := overrides[s.Name]; ok && bin != "" {
			s.Binary = bin
		}
		specs[s.Name] = s
	}
	return &Registry{specs: specs, lookPath: exec.LookPath}
}

// Resolve returns the spec for a language name or alias.
func (r *Registry) Resolve(language string) (Spec, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownLanguage, language)
	}
	return spec, nil
}

// BinaryPath locates the interpreter binary on the host.
func (r *Registry) BinaryPath(spec Spec) (string, error) {
	return r.lookPath(spec.Binary)
}

// SessionAvailable reports whether a long-lived session runtime exists on
// this host for the language.
func (r *Registry) SessionAvailable(spec Spec) bool {
	if spec.SessionMode == SessionNone {
		return false
	}
	_, err := r.lookPath(spec.Binary)
	return err == nil
}
