package backend

import (
	"strings"
	"testing"
)

// TestNewCodexAdapter_NoInitialThreadID verifies that a new adapter starts without a thread ID.
func TestNewCodexAdapter_NoInitialThreadID(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		SessionID: "", // No initial thread ID
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	if adapter.SessionID() != "" {
		t.Errorf("Expected empty SessionID, got: %s", adapter.SessionID())
	}

	if adapter.started {
		t.Error("Expected started to be false for new adapter")
	}
}

// TestNewCodexAdapter_UsesProvidedThreadID verifies that an adapter with a SessionID is marked as started.
func TestNewCodexAdapter_UsesProvidedThreadID(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		SessionID: "thread_abc123",
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	if adapter.SessionID() != "thread_abc123" {
		t.Errorf("Expected SessionID 'thread_abc123', got: %s", adapter.SessionID())
	}

	if !adapter.started {
		t.Error("Expected started to be true when SessionID is provided")
	}
}

// TestCodexAdapter_BuildsFirstExecCommand verifies that the first Send builds an exec command.
func TestCodexAdapter_BuildsFirstExecCommand(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		SessionID: "",
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	msg := Message{Content: "Hello, world!", Role: "user"}
	args := adapter.buildArgs(msg)

	// Verify args contain exec, prompt, and --json
	if len(args) < 3 {
		t.Fatalf("Expected at least 3 args, got %d: %v", len(args), args)
	}

	if args[0] != "exec" {
		t.Errorf("Expected first arg 'exec', got: %s", args[0])
	}

	if args[1] != "Hello, world!" {
		t.Errorf("Expected second arg to be prompt, got: %s", args[1])
	}

	if args[2] != "--json" {
		t.Errorf("Expected third arg '--json', got: %s", args[2])
	}

	// Verify args do NOT contain resume
	for _, arg := range args {
		if arg == "resume" {
			t.Error("Expected args to NOT contain 'resume'")
		}
	}
}

// TestCodexAdapter_BuildsResumeCommand verifies that after setting threadID, args use resume.
func TestCodexAdapter_BuildsResumeCommand(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		SessionID: "thread_xyz789",
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	msg := Message{Content: "Follow-up question", Role: "user"}
	args := adapter.buildArgs(msg)

	// Verify args contain resume, thread ID, prompt, and --json
	if len(args) < 4 {
		t.Fatalf("Expected at least 4 args, got %d: %v", len(args), args)
	}

	if args[0] != "resume" {
		t.Errorf("Expected first arg 'resume', got: %s", args[0])
	}

	if args[1] != "thread_xyz789" {
		t.Errorf("Expected second arg to be thread ID, got: %s", args[1])
	}

	if args[2] != "Follow-up question" {
		t.Errorf("Expected third arg to be prompt, got: %s", args[2])
	}

	if args[3] != "--json" {
		t.Errorf("Expected fourth arg '--json', got: %s", args[3])
	}
}

// TestCodexAdapter_IncludesModel verifies that --model appears in args when configured.
func TestCodexAdapter_IncludesModel(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		Model:     "gpt-4",
		SessionID: "",
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	msg := Message{Content: "Test with model", Role: "user"}
	args := adapter.buildArgs(msg)

	// Find --model in args
	foundModel := false
	for i, arg := range args {
		if arg == "--model" && i+1 < len(args) && args[i+1] == "gpt-4" {
			foundModel = true
			break
		}
	}

	if !foundModel {
		t.Errorf("Expected args to contain '--model gpt-4', got: %v", args)
	}
}

// TestCodexAdapter_ParsesEventStream verifies event stream parsing logic.
func TestCodexAdapter_ParsesEventStream(t *testing.T) {
	data := `{"type":"ThreadStarted","thread_id":"thread_abc123"}
{"type":"TaskStarted"}
{"type":"TurnCompleted","content":"The answer is 42"}`

	events, err := decodeStream([]byte(data), mapCodexEvent)
	if err != nil {
		t.Fatalf("decodeStream failed: %v", err)
	}

	resp, err := foldEvents(events, "")
	if err != nil {
		t.Fatalf("foldEvents failed: %v", err)
	}

	if resp.SessionID != "thread_abc123" {
		t.Errorf("Expected SessionID 'thread_abc123', got: %s", resp.SessionID)
	}

	if resp.Content != "The answer is 42" {
		t.Errorf("Expected content 'The answer is 42', got: %s", resp.Content)
	}
}

// TestCodexAdapter_ParsesEmptyEvents verifies parsing with empty input.
func TestCodexAdapter_ParsesEmptyEvents(t *testing.T) {
	events, err := decodeStream([]byte(""), mapCodexEvent)
	if err != nil {
		t.Fatalf("decodeStream failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events for empty input, got %d", len(events))
	}
}

// TestCodexAdapter_ParsesMalformedJSON verifies error handling for invalid JSON.
func TestCodexAdapter_ParsesMalformedJSON(t *testing.T) {
	data := `{"type":"ThreadStarted","thread_id":"thread_abc123"}
{invalid json line}
{"type":"TurnCompleted","content":"Answer"}`

	_, err := decodeStream([]byte(data), mapCodexEvent)
	if err == nil {
		t.Error("Expected decodeStream to return error for malformed JSON")
	}

	if !strings.Contains(err.Error(), "failed to parse event type") {
		t.Errorf("Expected error about parsing event type, got: %v", err)
	}
}

// TestCodexAdapter_RejectsUnknownEventTag verifies the closed tagged union
// rejects native event types it doesn't recognize.
func TestCodexAdapter_RejectsUnknownEventTag(t *testing.T) {
	data := `{"type":"SomethingNew"}`

	_, err := decodeStream([]byte(data), mapCodexEvent)
	if err == nil {
		t.Error("Expected decodeStream to reject an unrecognized event tag")
	}
}

// TestCodexAdapter_ExtractsThreadIDFromResponse verifies thread ID is stored after parsing.
func TestCodexAdapter_ExtractsThreadIDFromResponse(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		SessionID: "",
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	// Simulate parsing a response with ThreadStarted
	data := `{"type":"ThreadStarted","thread_id":"thread_new123"}
{"type":"TurnCompleted","content":"Response text"}`

	events, err := decodeStream([]byte(data), mapCodexEvent)
	if err != nil {
		t.Fatalf("decodeStream failed: %v", err)
	}
	resp, err := foldEvents(events, "")
	if err != nil {
		t.Fatalf("foldEvents failed: %v", err)
	}

	// Manually store the threadID (this is what Send() does)
	adapter.threadID = resp.SessionID
	adapter.started = true

	// Verify the adapter now has the thread ID
	if adapter.SessionID() != "thread_new123" {
		t.Errorf("Expected SessionID 'thread_new123', got: %s", adapter.SessionID())
	}

	if resp.Content != "Response text" {
		t.Errorf("Expected content 'Response text', got: %s", resp.Content)
	}

	// Verify subsequent buildArgs uses resume and includes prompt
	msg := Message{Content: "Next message", Role: "user"}
	args := adapter.buildArgs(msg)

	if args[0] != "resume" {
		t.Errorf("Expected first arg 'resume' after thread ID is set, got: %s", args[0])
	}

	if args[1] != "thread_new123" {
		t.Errorf("Expected second arg to be thread ID, got: %s", args[1])
	}

	if args[2] != "Next message" {
		t.Errorf("Expected third arg to be prompt, got: %s", args[2])
	}
}

// TestCodexAdapter_Close verifies Close returns nil.
func TestCodexAdapter_Close(t *testing.T) {
	pm := NewProcessManager()
	cfg := Config{
		Type:      "codex",
		WorkDir:   "/tmp",
		SessionID: "",
	}

	adapter, err := NewCodexAdapter(cfg, pm)
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}

	if err := adapter.Close(); err != nil {
		t.Errorf("Expected Close to return nil, got: %v", err)
	}
}
