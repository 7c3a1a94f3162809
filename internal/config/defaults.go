package config

func boolPtr(b bool) *bool { return &b }

// DefaultConfig returns the default configuration with built-in providers,
// model-tier economics, and component knobs.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		ModelTiers: ModelTierConfig{
			TokenMultipliers: map[string]float64{
				"sonnet": 1.0,
				"opus":   12.0,
				"haiku":  0.25, // legacy, tolerated for ingestion only
			},
		},
		Project: ProjectProfile{},
		RateLimit: RateLimitConfig{
			MaxTokensPer5Hours:     0, // 0 means "unset"; a real deployment must supply a provider-specific ceiling
			MaxTokensPerWeek:       0,
			WarningThreshold:       0.80,
			ProactivePauseFraction: 0.95,
			HysteresisThreshold:    0.9,
			FallbackPauseSeconds:   3600,
			ExternalHintTTLSeconds: 300,
			MaxPauseCeilingSeconds: 21600,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:          3,
			PauseCheckIntervalSecs: 5,
		},
		MergeQueue: MergeQueueConfig{
			MaxRetries:            3,
			BackoffBaseMillis:     1000,
			BackoffCapMillis:      30000,
			ConflictMaxFiles:      3,
			ConflictCharsPerFile:  100,
			MaxPreservedWorktrees: 10,
		},
		Executor: ExecutorConfig{
			DefaultMaxAttempts:     5,
			SameModelRetries:       2,
			MaxReviewPassesPerTier: 2,
			MultiLensAtOpus:        boolPtr(true),
			ModelLadder:            []string{"sonnet", "opus"},
		},
	}
}
