package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Anthropic is a Client backed by the Messages API. Calls are retried with
// exponential backoff, guarded by a circuit breaker, bounded by a semaphore
// and optionally rate limited.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     RetryConfig
	breaker   *CircuitBreaker
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewAnthropic creates the hosted client
func NewAnthropic(cfg Config, logger *slog.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrUnavailable
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	if retry.BackoffMultiplier < 1 {
		retry.BackoffMultiplier = 2
	}
	if retry.Timeout <= 0 {
		retry.Timeout = DefaultRetryConfig().Timeout
	}

	// retries are ours; the SDK must not double them
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	a := &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		retry:     retry,
		breaker:   NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout, logger),
		logger:    logger,
	}
	if retry.MaxConcurrentCalls > 0 {
		a.sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}
	if cfg.RequestsPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return a, nil
}

// Model returns the configured model name
func (a *Anthropic) Model() string { return a.model }

// Complete sends one system+user exchange
func (a *Anthropic) Complete(ctx context.Context, system, user string) (*Completion, error) {
	var resp *anthropic.Message
	err := a.withRetry(ctx, func(attemptCtx context.Context) error {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: a.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
			},
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}
		r, err := a.client.Messages.New(attemptCtx, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := string(resp.Model)
	if model == "" {
		model = a.model
	}
	return &Completion{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Model:        model,
	}, nil
}

func (a *Anthropic) withRetry(ctx context.Context, fn func(context.Context) error) error {
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire concurrency slot: %w", err)
		}
		defer a.sem.Release(1)
	}

	var lastErr error
	backoff := a.retry.InitialBackoff
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if err := a.breaker.Allow(); err != nil {
			return err
		}
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.retry.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			a.breaker.RecordSuccess()
			if attempt > 0 {
				a.logger.Info("llm call succeeded after retries", "retries", attempt)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetriable(err) {
			return err
		}
		a.breaker.RecordFailure()
		if attempt == a.retry.MaxRetries {
			break
		}

		a.logger.Warn("llm call failed, retrying",
			"attempt", attempt+1, "max_attempts", a.retry.MaxRetries+1, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff = min(time.Duration(float64(backoff)*a.retry.BackoffMultiplier), a.retry.MaxBackoff)
	}
	return fmt.Errorf("failed after %d attempts: %w", a.retry.MaxRetries+1, lastErr)
}

// isRetriable reports whether err is transient
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "overloaded")
}
