// Package security implements the static pre-execution gate. Code is checked
// against a deny list of process/file/network/dynamic-eval primitives before
// any process is spawned; nothing here has side effects beyond logging.
package security

import (
	"log/slog"
	"regexp"
)

// MaxCodeBytes is the hard cap on submission size.
const MaxCodeBytes = 50000

// Verdict is the outcome of a filter check. Transient, never persisted.
// Pattern identifies the matched deny rule for logging; user-facing errors
// must carry only Category.
type Verdict struct {
	Allowed  bool
	Category string
	Pattern  string
}

type rule struct {
	category string
	re       *regexp.Regexp
}

var denyRules = []rule{
	{"process control", regexp.MustCompile(`(?i)import\s+(os|sys|subprocess)\b`)},
	{"process control", regexp.MustCompile(`(?i)from\s+(os|sys|subprocess)\b`)},
	{"process control", regexp.MustCompile(`(?i)\.system\s*\(`)},
	{"process control", regexp.MustCompile(`(?i)\.popen\s*\(`)},
	{"process control", regexp.MustCompile(`(?i)\.call\s*\(`)},
	{"network access", regexp.MustCompile(`(?i)import\s+(socket|urllib|requests)\b`)},
	{"network access", regexp.MustCompile(`(?i)from\s+(socket|urllib|requests)\b`)},
	{"filesystem access", regexp.MustCompile(`(?i)\bopen\s*\(`)},
	{"filesystem access", regexp.MustCompile(`(?i)\bfile\s*\(`)},
	{"filesystem access", regexp.MustCompile(`(?i)shutil\.`)},
	{"filesystem access", regexp.MustCompile(`(?i)pathlib\.`)},
	{"filesystem access", regexp.MustCompile(`(?i)glob\.`)},
	{"filesystem access", regexp.MustCompile(`(?i)tempfile\.`)},
	{"dynamic evaluation", regexp.MustCompile(`(?i)__import__\s*\(`)},
	{"dynamic evaluation", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"dynamic evaluation", regexp.MustCompile(`(?i)\bexec\s*\(`)},
	{"dynamic evaluation", regexp.MustCompile(`(?i)\bcompile\s*\(`)},
	{"interactive input", regexp.MustCompile(`(?i)\binput\s*\(`)},
	{"interactive input", regexp.MustCompile(`(?i)\braw_input\s*\(`)},
	{"serialization", regexp.MustCompile(`(?i)pickle\.`)},
}

// allowedImports are modules considered safe; anything else is logged at warn
// but does not block execution.
var allowedImports = map[string]bool{
	"math": true, "random": true, "datetime": true, "json": true, "csv": true,
	"itertools": true, "collections": true, "functools": true, "operator": true,
	"string": true, "decimal": true, "fractions": true, "statistics": true,
	"re": true, "unicodedata": true,
	"numpy": true, "pandas": true, "matplotlib": true, "seaborn": true,
	"plotly": true, "scipy": true, "sklearn": true, "PIL": true, "cv2": true,
	"sympy": true,
}

var importRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+(\w+)`)

// Filter is the static pre-execution gate.
type Filter struct {
	logger *slog.Logger
}

func NewFilter(logger *slog.Logger) *Filter {
	return &Filter{logger: logger}
}

// Check inspects code and returns a verdict. It never spawns anything.
func (f *Filter) Check(code string) Verdict {
	if len(code) > MaxCodeBytes {
		return Verdict{Allowed: false, Category: "size limit", Pattern: "max_code_bytes"}
	}

	for _, r := range denyRules {
		if r.re.MatchString(code) {
			f.logger.Warn("code blocked by deny rule",
				"category", r.category, "pattern", r.re.String())
			return Verdict{Allowed: false, Category: r.category, Pattern: r.re.String()}
		}
	}

	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		if !allowedImports[m[1]] {
			f.logger.Warn("import outside allow list", "module", m[1])
		}
	}

	return Verdict{Allowed: true}
}
