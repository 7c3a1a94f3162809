package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ClaudeAdapter implements the Backend interface for Claude Code CLI.
type ClaudeAdapter struct {
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	started      bool
	procMgr      *ProcessManager
}

// claudeStreamEvent is the shape of one line of claude's
// --output-format stream-json output. Only the fields this adapter
// cares about are declared; Message.Content entries carry either text
// or tool_use blocks.
type claudeStreamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// If cfg.SessionID is empty, a new UUID will be generated.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &ClaudeAdapter{
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		started:      false,
		procMgr:      procMgr,
	}, nil
}

// Send sends a message to Claude Code CLI and returns the response.
// The first call uses --session-id, subsequent calls use --resume.
func (a *ClaudeAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	// Build command arguments
	args := a.buildArgs(msg, a.started)

	// Create the command
	cmd := newCommand(ctx, "claude", args...)
	cmd.Dir = a.workDir

	// Execute the command (with optional ProcessManager tracking)
	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("claude command failed: %v", err),
		}, err
	}

	// Decode the stream-json event stream into the closed tagged union
	// and fold it into a single Response, carrying forward token usage.
	events, err := decodeStream(stdout, mapClaudeEvent)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse claude response: %v (stderr: %s)", err, string(stderr)),
		}, err
	}

	resp, err := foldEvents(events, a.sessionID)
	if err != nil {
		return resp, err
	}

	// Mark as started after first successful call
	a.started = true

	return resp, nil
}

// Close is a no-op for Claude Code (subprocess-per-invocation model).
func (a *ClaudeAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *ClaudeAdapter) SessionID() string {
	return a.sessionID
}

// buildArgs constructs the command-line arguments for the claude CLI.
// isResume determines whether to use --session-id (false) or --resume (true).
func (a *ClaudeAdapter) buildArgs(msg Message, isResume bool) []string {
	args := []string{"-p", msg.Content, "--output-format", "stream-json", "--verbose"}

	// Session management: first call uses --session-id, subsequent use --resume
	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	// Add optional model override
	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	// Add optional system prompt
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}

	return args
}

// mapClaudeEvent maps one line of claude's stream-json output onto the
// closed tagged union. "system" lines are progress notices, "assistant"
// lines carry either text or a tool_use block, and "result" carries the
// final usage totals and session id.
func mapClaudeEvent(line []byte) (StreamEvent, bool, error) {
	var evt claudeStreamEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return StreamEvent{}, false, fmt.Errorf("unmarshaling claude event: %w", err)
	}

	switch evt.Type {
	case "system":
		return StreamEvent{Type: EventProgress, Text: evt.Subtype}, true, nil

	case "assistant", "user":
		var text string
		var toolName string
		for _, item := range evt.Message.Content {
			switch item.Type {
			case "text":
				text += item.Text
			case "tool_use":
				toolName = item.Name
			}
		}
		if toolName != "" {
			return StreamEvent{Type: EventToolUse, ToolName: toolName, Text: text}, true, nil
		}
		return StreamEvent{Type: EventContentBlock, Text: text}, true, nil

	case "result":
		if evt.IsError {
			return StreamEvent{Type: EventError, Text: evt.Subtype, SessionID: evt.SessionID}, true, nil
		}
		usage := TokenUsage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
		return StreamEvent{Type: EventResult, SessionID: evt.SessionID, Usage: &usage}, true, nil

	case "error":
		return StreamEvent{Type: EventError, Text: evt.Subtype}, true, nil

	default:
		return StreamEvent{}, false, nil
	}
}
