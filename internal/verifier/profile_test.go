package verifier

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0644); err != nil {
		t.Fatalf("touch %s: %v", name, err)
	}
}

func TestDetectProfileNode(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "package-lock.json")
	touch(t, dir, "tsconfig.json")

	profile := DetectProfile(dir)
	if profile.PackageManager != "npm" {
		t.Errorf("PackageManager = %q, want npm", profile.PackageManager)
	}
	if len(profile.Typecheck) == 0 || profile.Typecheck[0] != "npx" {
		t.Errorf("expected tsc typecheck for tsconfig.json project, got %v", profile.Typecheck)
	}
}

func TestDetectProfileGo(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "go.mod")

	profile := DetectProfile(dir)
	if profile.PackageManager != "go" {
		t.Errorf("PackageManager = %q, want go", profile.PackageManager)
	}
	if len(profile.Test) == 0 || profile.Test[0] != "go" {
		t.Errorf("expected go test command, got %v", profile.Test)
	}
}

func TestDetectProfileUnknown(t *testing.T) {
	dir := t.TempDir()
	profile := DetectProfile(dir)
	if profile.PackageManager != "" {
		t.Errorf("expected empty profile for unrecognized project, got %+v", profile)
	}
}
