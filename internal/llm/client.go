package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrUnavailable means no model is configured; callers use their fallbacks
	ErrUnavailable = errors.New("llm unavailable")
	// ErrCircuitOpen is returned while the breaker blocks calls
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Completion is a single model response with its billed usage
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Cost is the estimated USD price of c
func (c *Completion) Cost() float64 {
	return Cost(c.Model, c.InputTokens, c.OutputTokens)
}

// Client produces text completions
type Client interface {
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

// ClientFunc adapts a function to Client
type ClientFunc func(ctx context.Context, system, user string) (*Completion, error)

// Complete calls f
func (f ClientFunc) Complete(ctx context.Context, system, user string) (*Completion, error) {
	return f(ctx, system, user)
}

// Disabled is the Client used when no API key is configured
type Disabled struct{}

// Complete always fails with ErrUnavailable
func (Disabled) Complete(context.Context, string, string) (*Completion, error) {
	return nil, ErrUnavailable
}

// Config configures the hosted model client
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Retry     RetryConfig
	// RequestsPerMinute caps call rate; 0 disables the limiter
	RequestsPerMinute int
}

// RetryConfig holds retry, breaker and concurrency settings
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration

	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration

	// MaxConcurrentCalls limits in-flight requests; 0 means unlimited
	MaxConcurrentCalls int
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		InitialBackoff:     time.Second,
		MaxBackoff:         30 * time.Second,
		BackoffMultiplier:  2.0,
		Timeout:            90 * time.Second,
		FailureThreshold:   5,
		SuccessThreshold:   2,
		OpenTimeout:        30 * time.Second,
		MaxConcurrentCalls: 3,
	}
}

// DefaultModel is used when Config.Model is empty
const DefaultModel = "claude-sonnet-4-5-20250929"

// New returns the hosted client, or Disabled when cfg carries no API key
func New(cfg Config, logger *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return Disabled{}, nil
	}
	c, err := NewAnthropic(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return c, nil
}

// Enabled reports whether c can actually produce completions
func Enabled(c Client) bool {
	if c == nil {
		return false
	}
	_, disabled := c.(Disabled)
	return !disabled
}
