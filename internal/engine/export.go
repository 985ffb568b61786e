package engine

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bandpass-data/gatesense/internal/fsutil"
	"github.com/bandpass-data/gatesense/internal/security"
)

// Exports write derivation reports under an operator-chosen directory for
// offline review. Filenames embed the event id and a UTC timestamp so
// repeated exports never clobber each other; paths are validated against
// the export directory before any write.

const exportTimeLayout = "20060102T150405Z"

// ExportPreviewJSON writes a preview result as indented JSON into dir and
// returns the written path.
func ExportPreviewJSON(fs fsutil.FileSystem, dir string, result *PreviewResult) (string, error) {
	name := fmt.Sprintf("gates_preview_%d_%s.json", result.EventID, result.GeneratedAt.UTC().Format(exportTimeLayout))
	return exportJSON(fs, dir, name, result)
}

// ExportExecuteJSON writes an execute result as indented JSON into dir and
// returns the written path.
func ExportExecuteJSON(fs fsutil.FileSystem, dir string, result *ExecuteResult) (string, error) {
	name := fmt.Sprintf("gates_run_%d_%s.json", result.EventID, result.CreatedAt.UTC().Format(exportTimeLayout))
	return exportJSON(fs, dir, name, result)
}

func exportJSON(fs fsutil.FileSystem, dir, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	return writeExport(fs, dir, name, data)
}

// WriteGatePlot places a rendered gate map image alongside the JSON exports.
// Rendering belongs to the monitoring surfaces; this only stores prepared
// bytes under the validated export directory.
func WriteGatePlot(fs fsutil.FileSystem, dir string, eventID int64, at time.Time, png []byte) (string, error) {
	name := fmt.Sprintf("gates_map_%d_%s.png", eventID, at.UTC().Format(exportTimeLayout))
	return writeExport(fs, dir, name, png)
}

// writeExport validates the target path and writes the payload. The export
// directory is created first: path validation resolves symlinks and needs
// the directory present.
func writeExport(fs fsutil.FileSystem, dir, name string, data []byte) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, security.SanitizeFilename(name))
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return "", fmt.Errorf("export path rejected: %w", err)
	}
	if err := fs.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export %s: %w", path, err)
	}
	return path, nil
}
