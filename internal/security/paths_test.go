package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	exportDir := filepath.Join(tmpDir, "exports")
	outsideDir := filepath.Join(tmpDir, "outside")
	for _, d := range []string{exportDir, outsideDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	tests := []struct {
		name      string
		path      string
		dir       string
		wantError bool
	}{
		{
			name: "existing directory itself",
			path: exportDir,
			dir:  exportDir,
		},
		{
			name: "new file inside directory",
			path: filepath.Join(exportDir, "gates_run_7.json"),
			dir:  exportDir,
		},
		{
			name: "new file in nested subdirectory",
			path: filepath.Join(exportDir, "2026", "06", "gates_run_7.json"),
			dir:  exportDir,
		},
		{
			name:      "dotdot escape",
			path:      filepath.Join(exportDir, "..", "outside", "x.json"),
			dir:       exportDir,
			wantError: true,
		},
		{
			name:      "absolute path outside",
			path:      filepath.Join(outsideDir, "x.json"),
			dir:       exportDir,
			wantError: true,
		},
		{
			name:      "sibling with shared prefix",
			path:      exportDir + "-evil/x.json",
			dir:       exportDir,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, tt.dir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory(%q, %q) error = %v, wantError %v",
					tt.path, tt.dir, err, tt.wantError)
			}
		})
	}
}

func TestValidatePathWithinDirectory_SymlinkedParent(t *testing.T) {
	tmpDir := t.TempDir()

	exportDir := filepath.Join(tmpDir, "exports")
	outsideDir := filepath.Join(tmpDir, "outside")
	for _, d := range []string{exportDir, outsideDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	// A symlink inside the export dir pointing elsewhere must not let a
	// not-yet-existing file under it pass the containment check.
	link := filepath.Join(exportDir, "link")
	if err := os.Symlink(outsideDir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := ValidatePathWithinDirectory(filepath.Join(link, "new.json"), exportDir); err == nil {
		t.Error("expected rejection for path under symlink escaping the directory")
	}
}

func TestValidatePathWithinDirectory_MissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "never-created")
	if err := ValidatePathWithinDirectory(filepath.Join(missing, "x.json"), missing); err == nil {
		t.Error("expected error when the directory itself does not exist")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "gates_run_7.json", "gates_run_7.json"},
		{"empty", "", "unknown"},
		{"spaces collapse", "main  gate report", "main_gate_report"},
		{"path separators", "../../etc/passwd", "etc_passwd"},
		{"windows separators", `a\b\c`, "a_b_c"},
		{"unicode replaced", "café-läuft", "caf_-l_uft"},
		{"only junk", "///***", "unknown"},
		{"trims leading dots", "..hidden", "hidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilename_CapsLength(t *testing.T) {
	long := strings.Repeat("a", 400)
	got := SanitizeFilename(long)
	if len(got) > 128 {
		t.Errorf("sanitized length = %d, want <= 128", len(got))
	}
}
