// Copyright 2025 James Ross
package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAliasesAppendsUnlistedTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "img.json", "{}")
	writeFile(t, dir, "upscale.json", "{}")

	aliasFile := filepath.Join(t.TempDir(), "alias.json")
	existing, _ := json.Marshal([]Alias{{AliasName: "basic", Fn: "img.json", Description: "basic txt2img"}})
	if err := os.WriteFile(aliasFile, existing, 0o644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliases(dir, aliasFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliases) != 2 {
		t.Fatalf("expected 2 aliases, got %d: %+v", len(aliases), aliases)
	}
	fn, err := Resolve(aliases, "upscale.json")
	if err != nil || fn != "upscale.json" {
		t.Fatalf("expected synthesized alias for upscale.json, got %v %v", fn, err)
	}
}

func TestResolveUnknownWorkflow(t *testing.T) {
	_, err := Resolve(nil, "missing.json")
	if err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}
