// Package ai wraps the Anthropic API for the extraction and merge-scoring
// calls. It owns transient-failure retry with exponential backoff, a
// client-side rate limiter, and the resilient JSON extraction helpers used
// to parse model output.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// Transient-failure retry policy: rate limits, overload and 5xx responses
// back off exponentially (2s, 4s, 8s, ...), bounded at ten attempts.
const (
	maxTransientRetries = 10
	backoffBase         = 2 * time.Second
)

// ErrRetriesExhausted wraps the last transient error once the retry budget
// is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// UsageRecorder receives per-call token accounting. Implementations must not
// fail the caller; recording is best effort.
type UsageRecorder interface {
	RecordCall(ctx context.Context, operation string, inputTokens, outputTokens int64, duration time.Duration)
}

// Client is the shared Anthropic client. Calls block the calling sequence;
// retries use blocking sleeps.
type Client struct {
	inner     anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	usage     UsageRecorder
	logger    *slog.Logger

	sleep func(time.Duration) // test hook
}

// NewClient creates a client for the given API key and model.
func NewClient(apiKey, model string, usage UsageRecorder) *Client {
	return &Client{
		inner:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 3000,
		// One request per second, short bursts allowed. Keeps batch
		// scoring under the API rate limit without giving up throughput.
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		usage:   usage,
		logger:  slog.Default(),
		sleep:   time.Sleep,
	}
}

// Complete sends one prompt and returns the raw response text, retrying
// transient failures per the backoff policy. Non-transient failures return
// immediately.
func (c *Client) Complete(ctx context.Context, operation, system, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase * (1 << (attempt - 1))
			c.logger.Warn("retrying AI call", "operation", operation, "attempt", attempt, "delay", delay, "error", lastErr)
			c.sleep(delay)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		start := time.Now()
		msg, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.maxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			if !IsTransient(err) {
				return "", err
			}
			lastErr = err
			continue
		}

		if c.usage != nil {
			c.usage.RecordCall(ctx, operation, msg.Usage.InputTokens, msg.Usage.OutputTokens, time.Since(start))
		}

		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return text.String(), nil
	}

	return "", fmt.Errorf("%s: %w: %w", operation, ErrRetriesExhausted, lastErr)
}

// IsTransient reports whether an API error is worth retrying: rate limits,
// overload and server-side failures. Malformed model output is not a server
// fault and is never classified here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode == 529 || apiErr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"connection refused", "connection reset", "timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
