package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"test": {Command: "test-cmd", Type: "test"},
		},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}

	if loaded.Providers["test"].Command != "test-cmd" {
		t.Errorf("Expected provider command 'test-cmd', got '%s'", loaded.Providers["test"].Command)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	cfg := &OrchestratorConfig{Providers: map[string]ProviderConfig{}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}

	parentDir := filepath.Dir(path)
	if _, err := os.Stat(parentDir); os.IsNotExist(err) {
		t.Fatalf("Parent directory was not created: %s", parentDir)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude", Type: "claude"},
			"goose":  {Command: "goose", Type: "goose", Args: []string{"--verbose"}},
		},
		ModelTiers: ModelTierConfig{
			TokenMultipliers: map[string]float64{"sonnet": 1.0, "opus": 12.0},
		},
		Executor: ExecutorConfig{
			DefaultMaxAttempts: 5,
			ModelLadder:        []string{"sonnet", "opus"},
			MultiLensAtOpus:    boolPtr(false),
		},
	}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Providers["claude"].Command != "claude" {
		t.Errorf("Claude provider command mismatch: got '%s'", loaded.Providers["claude"].Command)
	}
	if len(loaded.Providers["goose"].Args) != 1 || loaded.Providers["goose"].Args[0] != "--verbose" {
		t.Errorf("Goose provider args mismatch: got %v", loaded.Providers["goose"].Args)
	}
	if loaded.ModelTiers.TokenMultipliers["opus"] != 12.0 {
		t.Errorf("opus multiplier mismatch: got %v", loaded.ModelTiers.TokenMultipliers["opus"])
	}
	if loaded.Executor.MultiLens() {
		t.Error("expected MultiLensAtOpus override to persist as false")
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg1 := &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"test": {Command: "first-value", Type: "test"},
		},
	}
	if err := Save(cfg1, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	cfg2 := &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"test": {Command: "second-value", Type: "test"},
		},
	}
	if err := Save(cfg2, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	if loaded.Providers["test"].Command != "second-value" {
		t.Errorf("Expected 'second-value', got '%s'", loaded.Providers["test"].Command)
	}
}
