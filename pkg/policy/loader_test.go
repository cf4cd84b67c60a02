package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	files := map[string]string{
		filepath.Join(dir, "first.rego"):     "package a\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n",
		filepath.Join(nested, "second.json"): `{"name": "second", "rego": "package b\n", "severity": "error"}`,
		filepath.Join(nested, "broken.json"): `{`,
		filepath.Join(dir, "README.md"):      "not a policy",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	if p, ok := byName["first"]; !ok || p.Severity != SeverityWarning || !p.Enabled {
		t.Errorf("Expected enabled warning policy first, got %+v", p)
	}
	if p, ok := byName["second"]; !ok || p.Severity != SeverityError || p.Source == "" {
		t.Errorf("Expected error policy second with source, got %+v", p)
	}
}

func TestLoader_MissingPath(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "absent")})
	if err == nil {
		t.Error("Expected error, got nil")
	}
}

func TestParseHeader(t *testing.T) {
	desc, sev := parseHeader("# Keep copies in /opt.\n#\n# severity: info\npackage x\n# trailing\n")
	if desc != "Keep copies in /opt." {
		t.Errorf("Expected description, got %q", desc)
	}
	if sev != SeverityInfo {
		t.Errorf("Expected info severity, got %s", sev)
	}
}
