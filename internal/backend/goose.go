package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GooseAdapter is a Backend implementation for the Goose CLI.
// Goose supports local LLM providers (Ollama, LM Studio, llama.cpp) via --provider and --model flags.
type GooseAdapter struct {
	sessionName  string
	workDir      string
	model        string
	provider     string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

// gooseEvent represents one line of Goose's JSON output. Goose's format is
// less strictly documented than Claude's or Codex's, so the "type" tag is
// optional: an untagged line (the common case) is treated as a plain
// content block rather than rejected.
type gooseEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Error   string `json:"error"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// NewGooseAdapter creates a new Goose adapter.
// If cfg.SessionID is empty, a session name is generated with format "orchestrator-{random-hex}".
func NewGooseAdapter(cfg Config, procMgr *ProcessManager) (*GooseAdapter, error) {
	sessionName := cfg.SessionID
	if sessionName == "" {
		sessionName = "orchestrator-" + uuid.NewString()[:8]
	}

	return &GooseAdapter{
		sessionName:  sessionName,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		started:      false,
		procMgr:      procMgr,
	}, nil
}

// Send sends a message to Goose and returns the response.
// First call uses --name to start a new session.
// Subsequent calls use --resume to continue the session.
func (g *GooseAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	// Build command arguments
	args := g.buildArgs(msg)

	// Create and execute command
	cmd := newCommand(ctx, "goose", args...)
	cmd.Dir = g.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, g.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("goose command failed: %v", err),
			SessionID: g.sessionName,
		}, err
	}

	// Decode the tagged event stream. Goose doesn't always honor
	// --output-format json, so a total decode failure falls back to
	// treating stdout as plain text rather than failing the call.
	var resp Response
	events, parseErr := decodeStream(stdout, mapGooseEvent)
	if parseErr != nil {
		resp = Response{Content: string(stdout), SessionID: g.sessionName}
		if len(stderr) > 0 {
			resp.Content = string(stdout) + "\n[stderr]: " + string(stderr)
		}
	} else {
		resp, err = foldEvents(events, g.sessionName)
		if err != nil {
			return resp, err
		}
		resp.SessionID = g.sessionName
	}

	// Mark as started for future resume operations
	g.started = true

	return resp, nil
}

// buildArgs constructs the command-line arguments for the Goose CLI.
// Extracted into a separate method to make it testable.
func (g *GooseAdapter) buildArgs(msg Message) []string {
	args := []string{"run", "--text", msg.Content, "--output-format", "json"}

	// Session management: --name for first message, --resume for subsequent
	if !g.started {
		args = append(args, "--name", g.sessionName)
	} else {
		args = append(args, "--resume")
	}

	// Local LLM support: --provider and --model flags
	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}

	// System prompt
	if g.systemPrompt != "" {
		args = append(args, "--system", g.systemPrompt)
	}

	return args
}

// mapGooseEvent maps one line of Goose's output onto the closed tagged
// union. An untagged line (Type == "") is the common case and is treated
// as a content block; "error" and "result" are the only tags Goose is
// expected to emit explicitly.
func mapGooseEvent(line []byte) (StreamEvent, bool, error) {
	var evt gooseEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return StreamEvent{}, false, fmt.Errorf("unmarshaling goose event: %w", err)
	}

	switch evt.Type {
	case "", "content_block", "message":
		return StreamEvent{Type: EventContentBlock, Text: evt.Content}, true, nil

	case "error":
		return StreamEvent{Type: EventError, Text: evt.Error}, true, nil

	case "result":
		usage := TokenUsage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
		return StreamEvent{Type: EventResult, Text: evt.Content, Usage: &usage}, true, nil

	default:
		return StreamEvent{}, false, nil
	}
}

// Close terminates the Goose subprocess gracefully.
// For Goose, each invocation is a separate subprocess (no persistent connection),
// so this is a no-op.
func (g *GooseAdapter) Close() error {
	return nil
}

// SessionID returns the current session name.
func (g *GooseAdapter) SessionID() string {
	return g.sessionName
}
