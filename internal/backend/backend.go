package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close terminates the backend subprocess gracefully.
	Close() error

	// SessionID returns the current session identifier.
	SessionID() string
}

// claudeModels is the closed model set the claude provider must honor.
// haiku is a legacy identifier tolerated on read and normalized to sonnet
// (its token-multiplier and escalation-ladder equivalent).
var claudeModels = map[string]bool{
	"sonnet": true,
	"opus":   true,
	"haiku":  true,
}

// New creates a resilient Backend (circuit breaker + exponential backoff)
// based on cfg.Type. codex and goose are alternative transports for the
// same adaptive-escalation contract and pass cfg.Model through
// unvalidated; only claude is required to honor the closed model set.
func New(cfg Config, procMgr *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "claude":
		if cfg.Model != "" {
			model := normalizeModel(cfg.Model)
			if !claudeModels[model] {
				return nil, fmt.Errorf("unsupported claude model %q: must be one of sonnet, opus", cfg.Model)
			}
			cfg.Model = model
		}
		adapter, err := NewClaudeAdapter(cfg, procMgr)
		if err != nil {
			return nil, fmt.Errorf("creating claude adapter: %w", err)
		}
		return NewResilient("claude", adapter), nil

	case "codex":
		adapter, err := NewCodexAdapter(cfg, procMgr)
		if err != nil {
			return nil, fmt.Errorf("creating codex adapter: %w", err)
		}
		return NewResilient("codex", adapter), nil

	case "goose":
		adapter, err := NewGooseAdapter(cfg, procMgr)
		if err != nil {
			return nil, fmt.Errorf("creating goose adapter: %w", err)
		}
		return NewResilient("goose", adapter), nil

	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// normalizeModel maps retired model identifiers to their current
// equivalent so stale config/state keeps working.
func normalizeModel(model string) string {
	if model == "haiku" {
		return "sonnet"
	}
	return model
}
