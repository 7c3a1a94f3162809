package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

type retryTestBackend struct {
	mu        sync.Mutex
	responses []any
	callCount int
}

func (b *retryTestBackend) Send(ctx context.Context, msg Message) (Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= len(b.responses) {
		return Response{}, fmt.Errorf("unexpected call %d (only %d responses configured)", b.callCount+1, len(b.responses))
	}

	resp := b.responses[b.callCount]
	b.callCount++

	switch v := resp.(type) {
	case Response:
		return v, nil
	case error:
		return Response{}, v
	default:
		return Response{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (b *retryTestBackend) Close() error      { return nil }
func (b *retryTestBackend) SessionID() string { return "test-session" }

func (b *retryTestBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func TestSendWithRetryTransientThenSuccess(t *testing.T) {
	testBackend := &retryTestBackend{
		responses: []any{
			fmt.Errorf("transient error 1"),
			fmt.Errorf("transient error 2"),
			Response{Content: "success", SessionID: "test"},
		},
	}

	cb := newCircuitBreakerRegistry().Get("test")
	retryCfg := RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      1 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	resp, err := sendWithRetry(context.Background(), testBackend, Message{Content: "test"}, cb, retryCfg)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if resp.Content != "success" {
		t.Errorf("expected response content 'success', got %q", resp.Content)
	}
	if testBackend.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", testBackend.CallCount())
	}
}

func TestSendWithRetryPermanentFailureOpensCircuit(t *testing.T) {
	testBackend := &retryTestBackend{responses: make([]any, 20)}
	for i := range testBackend.responses {
		testBackend.responses[i] = fmt.Errorf("persistent error %d", i+1)
	}

	registry := newCircuitBreakerRegistry()
	cb := registry.Get("test-backend")
	retryCfg := RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      500 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := sendWithRetry(ctx, testBackend, Message{Content: "test"}, cb, retryCfg)
		if err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
		if i >= 5 && errors.Is(err, gobreaker.ErrOpenState) {
			return
		}
	}

	if state := cb.State(); state != gobreaker.StateOpen {
		t.Errorf("expected circuit to be open after 7 requests, got state: %v", state)
	}
}

func TestSendWithRetryContextCancelledStopsRetry(t *testing.T) {
	testBackend := &retryTestBackend{responses: make([]any, 100)}
	for i := range testBackend.responses {
		testBackend.responses[i] = fmt.Errorf("error %d", i+1)
	}

	cb := newCircuitBreakerRegistry().Get("test")
	retryCfg := RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sendWithRetry(ctx, testBackend, Message{Content: "test"}, cb, retryCfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("sendWithRetry took %v, expected < 500ms", elapsed)
	}
}

func TestCircuitBreakerRegistryPerBackendType(t *testing.T) {
	registry := newCircuitBreakerRegistry()

	cb1a := registry.Get("claude")
	cb1b := registry.Get("claude")
	cb2 := registry.Get("codex")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'claude'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances for 'claude' and 'codex'")
	}
	if cb1a.Name() != "claude" {
		t.Errorf("expected circuit breaker name 'claude', got %q", cb1a.Name())
	}
	if cb2.Name() != "codex" {
		t.Errorf("expected circuit breaker name 'codex', got %q", cb2.Name())
	}
}

func TestCircuitBreakerUserCancellationNotCounted(t *testing.T) {
	registry := newCircuitBreakerRegistry()
	cb := registry.Get("test-backend")

	retryCfg := RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      100 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		testBackend := &retryTestBackend{responses: []any{context.Canceled}}
		_, err := sendWithRetry(ctx, testBackend, Message{Content: "test"}, cb, retryCfg)
		if err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
	}

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed after user cancellations, got state: %v", state)
	}
}

func TestResilientWrapsSendAndDelegatesCloseSessionID(t *testing.T) {
	testBackend := &retryTestBackend{responses: []any{Response{Content: "ok", SessionID: "s1"}}}
	r := NewResilient("claude-test", testBackend)

	resp, err := r.Send(context.Background(), Message{Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	if r.SessionID() != "test-session" {
		t.Errorf("SessionID() = %q, want test-session", r.SessionID())
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
