package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `package test.policy

# Rejects every plan.
# Used by the loader tests.

import rego.v1

deny contains "always" if { true }`

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")
	writePolicyFile(t, policyFile, testRego)

	policies, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	policy := policies[0]
	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != testRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if policy.Description != "Rejects every plan. Used by the loader tests." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantEnabled bool
		wantSev     Severity
		wantErr     bool
	}{
		{
			name:        "defaults",
			content:     `{"name": "p", "rego": "package p"}`,
			wantEnabled: true,
			wantSev:     SeverityError,
		},
		{
			name:        "explicit",
			content:     `{"name": "p", "rego": "package p", "enabled": false, "severity": "warning"}`,
			wantEnabled: false,
			wantSev:     SeverityWarning,
		},
		{
			name:    "missing name",
			content: `{"rego": "package p"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			content: `{not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.Nop())
			path := filepath.Join(t.TempDir(), "policy.json")
			writePolicyFile(t, path, tt.content)

			policies, err := loader.loadFromFile(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to load policy: %v", err)
			}
			if policies[0].Enabled != tt.wantEnabled {
				t.Errorf("Expected enabled=%v, got %v", tt.wantEnabled, policies[0].Enabled)
			}
			if policies[0].Severity != tt.wantSev {
				t.Errorf("Expected severity %s, got %s", tt.wantSev, policies[0].Severity)
			}
		})
	}
}

func TestLoadFromFile_Bundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "team.bundle.json")
	writePolicyFile(t, path, `{
  "name": "team",
  "version": "1.2.0",
  "policies": [
    {"name": "a", "rego": "package a", "severity": "warning"},
    {"name": "b", "rego": "package b", "enabled": false}
  ]
}`)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if !policies[0].Enabled || policies[0].Severity != SeverityWarning {
		t.Errorf("Unexpected first policy: %+v", policies[0])
	}
	if policies[1].Enabled {
		t.Error("Expected second policy to be disabled")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "top.rego"), testRego)
	writePolicyFile(t, filepath.Join(dir, "nested", "deep", "inner.rego"), testRego)
	writePolicyFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writePolicyFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policy.rego"}); err == nil {
		t.Error("Expected error for non-existent path")
	}

	path := filepath.Join(t.TempDir(), "policy.txt")
	writePolicyFile(t, path, "package p")
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "single line",
			content:  "# Blocks downgrades\npackage p",
			expected: "Blocks downgrades",
		},
		{
			name:     "stops at code",
			content:  "# First\n# Second\npackage p\n# Later",
			expected: "First Second",
		},
		{
			name:     "no comments",
			content:  "package p",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writePolicyFile(t, policyFile, testRego)

	if _, err := loader.loadFromFile(policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestWatch_Reload(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.debounce = 10 * time.Millisecond

	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "first.rego"), testRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writePolicyFile(t, filepath.Join(dir, "second.rego"), testRego)

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestLoadFromFile_YAMLDocument(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "rules", "freeze.rego"), testRego)
	path := filepath.Join(dir, "team.yaml")
	writePolicyFile(t, path, `name: team
version: 0.3.0
policies:
  - name: freeze
    file: rules/freeze.rego
    severity: critical
  - name: note
    rego: |
      package note
    severity: info
`)

	policies, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Rego != testRego || policies[0].Severity != SeverityCritical {
		t.Errorf("Unexpected first policy: %+v", policies[0])
	}
	if policies[1].Source != path {
		t.Errorf("Expected source %s, got %s", path, policies[1].Source)
	}

	writePolicyFile(t, path, "name: bad\nrego: package bad\nseverity: loud\n")
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.loadFromFile(path); err == nil {
		t.Error("Expected unknown severity to be rejected")
	}
}

func TestLoadFromFile_RegoMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file-name.rego")
	writePolicyFile(t, path, `# METADATA
# title: no-resets
# description: Warns about resets
# custom:
#   severity: warning
#   enabled: false
package upgrade.custom.resets

import rego.v1

deny contains "reset" if {
	some m in input.plan.modifications
	m.kind == "reset_config"
}`)

	policies, err := NewLoader(zerolog.Nop()).loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	p := policies[0]
	if p.Name != "no-resets" || p.Description != "Warns about resets" {
		t.Errorf("Unexpected name or description: %+v", p)
	}
	if p.Severity != SeverityWarning || p.Enabled {
		t.Errorf("Expected disabled warning policy, got %+v", p)
	}
}

func TestLoadFromFile_CacheFollowsModTime(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "p.json")
	writePolicyFile(t, path, `{"name": "first", "rego": "package p"}`)

	if _, err := loader.loadFromFile(path); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	writePolicyFile(t, path, `{"name": "second", "rego": "package p"}`)
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policies[0].Name != "second" {
		t.Errorf("Expected the rewritten policy, got %s", policies[0].Name)
	}
}

func TestGetBuiltinPolicies(t *testing.T) {
	want := map[string]Severity{
		PolicyCatalogDowngrade: SeverityError,
		PolicyCatalogRename:    SeverityWarning,
		PolicyResetDropsConfig: SeverityWarning,
	}

	policies := GetBuiltinPolicies()
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for _, p := range policies {
		sev, ok := want[p.Name]
		if !ok {
			t.Errorf("Unexpected built-in policy %s", p.Name)
			continue
		}
		if p.Severity != sev || !p.Enabled || p.Description == "" || p.Source != "" {
			t.Errorf("Unexpected built-in policy %+v", p)
		}
	}
}
