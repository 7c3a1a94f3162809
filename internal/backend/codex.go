package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// CodexAdapter is the Codex CLI backend adapter.
// It uses the `codex` CLI tool to interact with OpenAI's GPT models.
type CodexAdapter struct {
	threadID string          // Thread ID for resuming conversations
	workDir  string          // Working directory for the CLI
	model    string          // Model override (optional)
	started  bool            // Tracks whether first message has been sent
	procMgr  *ProcessManager // Reference to shared process manager
}

// codexEvent covers the fields used across every native codex event type;
// not every field is populated on every event.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name"`
	Message  string `json:"message"`
	Usage    struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// NewCodexAdapter creates a new Codex backend adapter.
// If cfg.SessionID is provided, it will be used as the initial thread ID for resuming sessions.
func NewCodexAdapter(cfg Config, procMgr *ProcessManager) (*CodexAdapter, error) {
	adapter := &CodexAdapter{
		threadID: cfg.SessionID, // May be empty for new threads
		workDir:  cfg.WorkDir,
		model:    cfg.Model,
		started:  cfg.SessionID != "", // If we have a session ID, we're resuming
		procMgr:  procMgr,
	}

	return adapter, nil
}

// Send sends a message to the Codex CLI and returns the response.
func (c *CodexAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	// Build command arguments based on whether this is first message or resume
	args := c.buildArgs(msg)

	// Create command with process group isolation
	cmd := newCommand(ctx, "codex", args...)
	cmd.Dir = c.workDir

	// Execute command and capture output
	stdout, stderr, err := executeCommand(ctx, cmd, c.procMgr)
	if err != nil {
		return Response{
			Error: fmt.Sprintf("codex command failed: %v", err),
		}, err
	}

	// Decode the NDJSON event stream into the closed tagged union
	events, parseErr := decodeStream(stdout, mapCodexEvent)
	if parseErr != nil {
		return Response{
			Error: fmt.Sprintf("failed to parse codex events: %v (stderr: %s)", parseErr, string(stderr)),
		}, parseErr
	}

	resp, err := foldEvents(events, c.threadID)
	if err != nil {
		return resp, err
	}

	// Store thread ID if one of the events carried it (ThreadStarted)
	if resp.SessionID != "" {
		c.threadID = resp.SessionID
	} else {
		resp.SessionID = c.threadID
	}

	// Mark as started for future calls
	c.started = true

	return resp, nil
}

// buildArgs constructs the command arguments for codex CLI.
// First message: ["exec", prompt, "--json"]
// Resume: ["resume", threadID, prompt, "--json"]
func (c *CodexAdapter) buildArgs(msg Message) []string {
	var args []string

	// Determine if this is first exec or resume
	if !c.started && c.threadID == "" {
		// First message: use exec
		args = []string{"exec", msg.Content, "--json"}
	} else {
		// Resume existing thread and send the new user message
		args = []string{"resume", c.threadID, msg.Content, "--json"}
	}

	// Add model override if configured
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	return args
}

// mapCodexEvent maps one line of codex's native NDJSON event stream onto
// the closed tagged union: ThreadStarted carries the session id,
// AgentMessage/TaskStarted carry intermediate progress, ToolCallCompleted is
// a tool_use event, and TurnCompleted is the terminal result, carrying
// usage when codex reports it.
func mapCodexEvent(line []byte) (StreamEvent, bool, error) {
	var evt codexEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return StreamEvent{}, false, fmt.Errorf("failed to parse event type: %w", err)
	}

	switch evt.Type {
	case "ThreadStarted":
		return StreamEvent{Type: EventResult, SessionID: evt.ThreadID}, true, nil

	case "AgentMessage", "TaskStarted":
		return StreamEvent{Type: EventProgress, Text: evt.Message}, true, nil

	case "ToolCallCompleted":
		return StreamEvent{Type: EventToolUse, ToolName: evt.ToolName}, true, nil

	case "TurnCompleted":
		usage := TokenUsage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
		return StreamEvent{Type: EventResult, Text: evt.Content, Usage: &usage}, true, nil

	case "TurnFailed", "Error":
		msg := evt.Message
		if msg == "" {
			msg = evt.Content
		}
		return StreamEvent{Type: EventError, Text: msg}, true, nil

	default:
		return StreamEvent{}, false, nil
	}
}

// Close terminates the Codex backend gracefully.
// Since Codex is invoked per-message (not a persistent subprocess), this is a no-op.
func (c *CodexAdapter) Close() error {
	return nil
}

// SessionID returns the current thread ID.
func (c *CodexAdapter) SessionID() string {
	return c.threadID
}
