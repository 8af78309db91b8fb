package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeatlas/internal/observability"
)

func TestParseJSON(t *testing.T) {
	type payload struct {
		Summary string   `json:"summary"`
		Notes   []string `json:"notes"`
	}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"summary":"ok","notes":["a"]}`, "ok"},
		{"fenced", "```json\n{\"summary\":\"fenced\"}\n```", "fenced"},
		{"trailing comma", `{"summary":"comma","notes":["a","b",],}`, "comma"},
		{"prose around", "Here is the JSON you asked for:\n{\"summary\":\"embedded {braces} \\\"quoted\\\"\"}\nThanks!", "embedded {braces} \"quoted\""},
		{"line comments", "{\n// note\n\"summary\":\"commented\"\n}", "commented"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON[payload](tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Summary)
		})
	}
}

func TestParseJSON_Failures(t *testing.T) {
	_, err := ParseJSON[map[string]any]("")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseJSON[map[string]any]("no json here at all")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseJSON[map[string]any]("{\"unterminated\": ")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestCompleteJSON(t *testing.T) {
	c := ClientFunc(func(_ context.Context, system, user string) (*Completion, error) {
		assert.Equal(t, "sys", system)
		return &Completion{Text: "```\n[1,2,3]\n```", InputTokens: 10, OutputTokens: 4, Model: "gpt-4o"}, nil
	})
	got, comp, err := CompleteJSON[[]int](context.Background(), c, "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, int64(10), comp.InputTokens)

	bad := ClientFunc(func(context.Context, string, string) (*Completion, error) {
		return &Completion{Text: "sorry", InputTokens: 3}, nil
	})
	_, comp, err = CompleteJSON[[]int](context.Background(), bad, "", "")
	assert.ErrorIs(t, err, ErrNoJSON)
	require.NotNil(t, comp)
	assert.Equal(t, int64(3), comp.InputTokens)

	_, comp, err = CompleteJSON[[]int](context.Background(), Disabled{}, "", "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, comp)
}

func TestCost(t *testing.T) {
	assert.Zero(t, Cost("gpt-4o", 0, 0))
	assert.InDelta(t, 0.15+0.60, Cost("gpt-4o-mini", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 3.0+15.0, Cost("claude-sonnet-4-5-20250929", 1_000_000, 1_000_000), 1e-9)
	// longest prefix wins over the shorter gpt-4 entry
	assert.InDelta(t, 2.50, Cost("gpt-4o-2024-08-06", 1_000_000, 0), 1e-9)
	assert.InDelta(t, 3.0, Cost("mystery-model", 1_000_000, 0), 1e-9)

	c := &Completion{Model: "gpt-4", InputTokens: 500_000, OutputTokens: 500_000}
	assert.InDelta(t, 45.0, c.Cost(), 1e-9)
}

func TestNew(t *testing.T) {
	c, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.False(t, Enabled(c))
	assert.False(t, Enabled(nil))

	c, err = New(Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.True(t, Enabled(c))
	assert.Equal(t, DefaultModel, c.(*Anthropic).Model())
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, 1, time.Minute, nil)
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestIsRetriable(t *testing.T) {
	assert.False(t, isRetriable(nil))
	assert.True(t, isRetriable(context.DeadlineExceeded))
	assert.True(t, isRetriable(&anthropic.Error{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, isRetriable(&anthropic.Error{StatusCode: http.StatusBadGateway}))
	assert.False(t, isRetriable(&anthropic.Error{StatusCode: http.StatusUnauthorized}))
	assert.True(t, isRetriable(errors.New("dial tcp: connection refused")))
	assert.False(t, isRetriable(errors.New("bad prompt")))
}

// messagesServer fakes the Messages API, failing the first failures calls with status
func messagesServer(t *testing.T, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		assert.NoError(t, json.Unmarshal(body, &req))

		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"try again"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5-20250929",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "world"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:         2,
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		BackoffMultiplier:  2,
		Timeout:            5 * time.Second,
		FailureThreshold:   10,
		SuccessThreshold:   1,
		OpenTimeout:        time.Minute,
		MaxConcurrentCalls: 1,
	}
}

func TestAnthropic_Complete(t *testing.T) {
	srv, calls := messagesServer(t, 1, http.StatusServiceUnavailable)
	c, err := NewAnthropic(Config{APIKey: "test", BaseURL: srv.URL, Retry: testRetry(), RequestsPerMinute: 6000}, nil)
	require.NoError(t, err)

	comp, err := c.Complete(context.Background(), "be brief", "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello world", comp.Text)
	assert.Equal(t, int64(12), comp.InputTokens)
	assert.Equal(t, int64(7), comp.OutputTokens)
	assert.Equal(t, "claude-sonnet-4-5-20250929", comp.Model)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAnthropic_NonRetriable(t *testing.T) {
	srv, calls := messagesServer(t, 5, http.StatusBadRequest)
	c, err := NewAnthropic(Config{APIKey: "test", BaseURL: srv.URL, Retry: testRetry()}, nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "", "x")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropic_BreakerOpens(t *testing.T) {
	srv, calls := messagesServer(t, 100, http.StatusInternalServerError)
	retry := testRetry()
	retry.MaxRetries = 0
	retry.FailureThreshold = 2
	c, err := NewAnthropic(Config{APIKey: "test", BaseURL: srv.URL, Retry: retry}, nil)
	require.NoError(t, err)

	for range 2 {
		_, err = c.Complete(context.Background(), "", "x")
		require.Error(t, err)
	}
	_, err = c.Complete(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestObserve(t *testing.T) {
	m := observability.NoopMetrics()
	assert.Equal(t, Client(Disabled{}), Observe(Disabled{}, m))

	inner := ClientFunc(func(context.Context, string, string) (*Completion, error) {
		return &Completion{Text: "ok", InputTokens: 1, OutputTokens: 1}, nil
	})
	wrapped := Observe(inner, m)
	_, ok := wrapped.(*Observed)
	require.True(t, ok)
	comp, err := wrapped.Complete(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", comp.Text)
}
