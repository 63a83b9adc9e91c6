package gateway

import (
	"context"
	"errors"
	"testing"
)

// mockAdapter is a test double for Adapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	chunks   []Chunk
	calls    int
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan Chunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "test_resp",
			Model:    "test-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(WithAdapter(mock))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "test-provider" {
		t.Errorf("expected provider %q, got %q", "test-provider", resp.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "OpenAI response")
	anthropic := newMockAdapter("anthropic", "Anthropic response")

	client := NewClient(
		WithAdapter(openai),
		WithAdapter(anthropic),
		WithDefaultProvider("openai"),
	)

	// Explicit provider.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
		Provider: "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", resp.Text())
	}

	// Default provider.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithAdapter(newMockAdapter("openai", "hi")))
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
		Provider: "missing",
	})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError for unregistered provider, got %T", err)
	}
}

func TestClientSingleAdapterBecomesDefault(t *testing.T) {
	mock := newMockAdapter("anthropic", "hi")
	client := NewClient(WithAdapter(mock))

	if _, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	}); err != nil {
		t.Fatalf("expected single adapter to serve as default: %v", err)
	}
}

func TestClientCompleteRetriesTransientFailure(t *testing.T) {
	mock := newMockAdapter("openai", "recovered")
	failing := &flakyAdapter{inner: mock, failures: 1}

	client := NewClient(
		WithAdapter(failing),
		WithRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: 0.001, BackoffMultiplier: 1, MaxDelay: 0.001}),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("expected recovered response, got %q", resp.Text())
	}
}

func TestClientStream(t *testing.T) {
	mock := newMockAdapter("openai", "")
	mock.chunks = []Chunk{
		{Type: ChunkStart},
		{Type: ChunkTextDelta, Delta: "Hel"},
		{Type: ChunkTextDelta, Delta: "lo"},
		{Type: ChunkFinish, FinishReason: &FinishReason{Reason: "stop"}},
	}
	client := NewClient(WithAdapter(mock))

	chunks, err := client.Stream(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var sawFinish bool
	for chunk := range chunks {
		switch chunk.Type {
		case ChunkTextDelta:
			text += chunk.Delta
		case ChunkFinish:
			sawFinish = true
		}
	}
	if text != "Hello" {
		t.Errorf("expected accumulated text %q, got %q", "Hello", text)
	}
	if !sawFinish {
		t.Error("expected a finish chunk")
	}
}

// flakyAdapter fails the first n Complete calls with a retryable error.
type flakyAdapter struct {
	inner    *mockAdapter
	failures int
	calls    int
}

func (f *flakyAdapter) Name() string { return f.inner.name }

func (f *flakyAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &ServerError{ProviderError: ProviderError{
			CallError: CallError{Message: "transient"}, Retryable: true,
		}}
	}
	return f.inner.Complete(ctx, req)
}

func (f *flakyAdapter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	return f.inner.Stream(ctx, req)
}
