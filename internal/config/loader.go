package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.undercity/config.json
// Project: .undercity/config.json (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".undercity", "config.json")
	projectPath := filepath.Join(".undercity", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}

	for model, multiplier := range loaded.ModelTiers.TokenMultipliers {
		base.ModelTiers.TokenMultipliers[model] = multiplier
	}

	mergeProjectProfile(&base.Project, loaded.Project)
	mergeRateLimit(&base.RateLimit, loaded.RateLimit)
	mergeScheduler(&base.Scheduler, loaded.Scheduler)
	mergeMergeQueue(&base.MergeQueue, loaded.MergeQueue)
	mergeExecutor(&base.Executor, loaded.Executor)

	return nil
}

// mergeProjectProfile overwrites fields the loaded file actually set, leaving
// detected/default fields untouched otherwise.
func mergeProjectProfile(base *ProjectProfile, loaded ProjectProfile) {
	if loaded.PackageManager != "" {
		base.PackageManager = loaded.PackageManager
	}
	if loaded.Typecheck != nil {
		base.Typecheck = loaded.Typecheck
	}
	if loaded.Lint != nil {
		base.Lint = loaded.Lint
	}
	if loaded.Test != nil {
		base.Test = loaded.Test
	}
	if loaded.Build != nil {
		base.Build = loaded.Build
	}
	if loaded.Spell != nil {
		base.Spell = loaded.Spell
	}
	if loaded.CodeHealth != nil {
		base.CodeHealth = loaded.CodeHealth
	}
}

func mergeRateLimit(base *RateLimitConfig, loaded RateLimitConfig) {
	if loaded.MaxTokensPer5Hours != 0 {
		base.MaxTokensPer5Hours = loaded.MaxTokensPer5Hours
	}
	if loaded.MaxTokensPerWeek != 0 {
		base.MaxTokensPerWeek = loaded.MaxTokensPerWeek
	}
	if loaded.WarningThreshold != 0 {
		base.WarningThreshold = loaded.WarningThreshold
	}
	if loaded.ProactivePauseFraction != 0 {
		base.ProactivePauseFraction = loaded.ProactivePauseFraction
	}
	if loaded.HysteresisThreshold != 0 {
		base.HysteresisThreshold = loaded.HysteresisThreshold
	}
	if loaded.FallbackPauseSeconds != 0 {
		base.FallbackPauseSeconds = loaded.FallbackPauseSeconds
	}
	if loaded.ExternalHintTTLSeconds != 0 {
		base.ExternalHintTTLSeconds = loaded.ExternalHintTTLSeconds
	}
	if loaded.MaxPauseCeilingSeconds != 0 {
		base.MaxPauseCeilingSeconds = loaded.MaxPauseCeilingSeconds
	}
}

func mergeScheduler(base *SchedulerConfig, loaded SchedulerConfig) {
	if loaded.MaxConcurrent != 0 {
		base.MaxConcurrent = loaded.MaxConcurrent
	}
	if loaded.PauseCheckIntervalSecs != 0 {
		base.PauseCheckIntervalSecs = loaded.PauseCheckIntervalSecs
	}
}

func mergeMergeQueue(base *MergeQueueConfig, loaded MergeQueueConfig) {
	if loaded.MaxRetries != 0 {
		base.MaxRetries = loaded.MaxRetries
	}
	if loaded.BackoffBaseMillis != 0 {
		base.BackoffBaseMillis = loaded.BackoffBaseMillis
	}
	if loaded.BackoffCapMillis != 0 {
		base.BackoffCapMillis = loaded.BackoffCapMillis
	}
	if loaded.ConflictMaxFiles != 0 {
		base.ConflictMaxFiles = loaded.ConflictMaxFiles
	}
	if loaded.ConflictCharsPerFile != 0 {
		base.ConflictCharsPerFile = loaded.ConflictCharsPerFile
	}
	if loaded.MaxPreservedWorktrees != 0 {
		base.MaxPreservedWorktrees = loaded.MaxPreservedWorktrees
	}
}

func mergeExecutor(base *ExecutorConfig, loaded ExecutorConfig) {
	if loaded.DefaultMaxAttempts != 0 {
		base.DefaultMaxAttempts = loaded.DefaultMaxAttempts
	}
	if loaded.SameModelRetries != 0 {
		base.SameModelRetries = loaded.SameModelRetries
	}
	if loaded.MaxReviewPassesPerTier != 0 {
		base.MaxReviewPassesPerTier = loaded.MaxReviewPassesPerTier
	}
	if loaded.ModelLadder != nil {
		base.ModelLadder = loaded.ModelLadder
	}
	if loaded.MultiLensAtOpus != nil {
		base.MultiLensAtOpus = loaded.MultiLensAtOpus
	}
}
