package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/d-araiza/crisol/internal/aggregate"
)

// collectArtifacts scans a finished execution's working directory for emitted
// images (*.png, filename order) and structured-data files (data_*.json,
// keyed by file stem). Unreadable files are logged and skipped.
func collectArtifacts(dir string, logger *slog.Logger) aggregate.Artifacts {
	art := aggregate.Artifacts{
		Images: []string{},
		Data:   map[string]any{},
	}

	pngs, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err == nil {
		sort.Strings(pngs)
		for _, p := range pngs {
			raw, err := os.ReadFile(p)
			if err != nil {
				logger.Warn("read image artifact", "path", p, "error", err)
				continue
			}
			art.Images = append(art.Images, base64.StdEncoding.EncodeToString(raw))
		}
	}

	dataFiles, err := filepath.Glob(filepath.Join(dir, "data_*.json"))
	if err == nil {
		sort.Strings(dataFiles)
		for _, p := range dataFiles {
			raw, err := os.ReadFile(p)
			if err != nil {
				logger.Warn("read data artifact", "path", p, "error", err)
				continue
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				logger.Warn("parse data artifact", "path", p, "error", err)
				continue
			}
			stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
			art.Data[stem] = v
		}
	}

	return art
}
