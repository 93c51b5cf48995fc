// Package llm is the only path to the external model vendor. Every call is
// admitted by the circuit breaker, bounded by a hard timeout, and recorded
// as a token-usage row whether it succeeds or fails.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/LJN-sisi/feedback-agent/breaker"
	"github.com/LJN-sisi/feedback-agent/model"
	"github.com/LJN-sisi/feedback-agent/store"
)

// maxResponseSize caps the response body read to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// DefaultCallTimeout is the hard per-call wall clock bound.
const DefaultCallTimeout = 30 * time.Second

// DefaultMaxTokens is reserved with the breaker when a call does not set an
// explicit completion cap.
const DefaultMaxTokens = 2048

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"`
}

// TokenUsage is the vendor-reported token consumption of one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result.
type Response struct {
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Options parameterizes one call.
type Options struct {
	// Capability selects the endpoint via the model registry.
	Capability model.Capability

	// Temperature is nil for the endpoint default.
	Temperature *float64

	// MaxTokens caps the completion; 0 uses DefaultMaxTokens for the
	// breaker reservation and leaves the vendor default in place.
	MaxTokens int

	// TaskID and FeedbackID thread accounting through the breaker and the
	// usage log.
	TaskID     string
	FeedbackID string
}

// Admission is the breaker surface the client needs.
type Admission interface {
	Check(service, action string, estimatedTokens int64, taskID string) breaker.Decision
	Release(taskID string, actualTokens int64)
}

// UsageRecorder receives one row per model call. *store.Store satisfies it.
type UsageRecorder interface {
	AppendTokenUsage(r store.TokenUsage)
}

// RetryConfig bounds in-call retries for transient failures.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns conservative in-call retry behavior. The
// orchestrator does not retry model failures, so the only retries happen
// here, inside the breaker reservation.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = l }
}

// WithRetryConfig sets the in-call retry policy.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retry = cfg }
}

// WithCallTimeout sets the per-call wall clock bound.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(client *Client) { client.timeout = d }
}

// Client is the provider-agnostic model client.
type Client struct {
	registry   *model.Registry
	admission  Admission
	usage      UsageRecorder
	httpClient *http.Client
	retry      RetryConfig
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient creates a client. admission and usage may not be nil: the
// breaker and the usage log are part of the call contract, not optional
// observers.
func NewClient(registry *model.Registry, admission Admission, usage UsageRecorder, opts ...ClientOption) *Client {
	c := &Client{
		registry:   registry,
		admission:  admission,
		usage:      usage,
		retry:      DefaultRetryConfig(),
		timeout:    DefaultCallTimeout,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends a completion request. The breaker is checked before the
// request and released on every path; a usage row is appended whether the
// call succeeds or fails.
func (c *Client) Call(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	if opts.Capability == "" {
		return nil, NewFatalError(fmt.Errorf("capability is required"))
	}
	if len(messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	ep := c.registry.Resolve(opts.Capability)
	if ep == nil {
		return nil, NewFatalError(fmt.Errorf("no endpoint configured for capability %s", opts.Capability))
	}

	reserve := int64(opts.MaxTokens)
	if reserve <= 0 {
		reserve = DefaultMaxTokens
	}

	decision := c.admission.Check("llm", string(opts.Capability), reserve, opts.TaskID)
	if !decision.Allowed {
		c.logger.Warn("Model call blocked by breaker",
			"capability", opts.Capability,
			"task_id", opts.TaskID,
			"reason", decision.Reason)
		return nil, &BlockedError{Decision: decision}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.callWithRetry(callCtx, ep, messages, opts)
	if err != nil {
		c.usage.AppendTokenUsage(store.TokenUsage{
			ID:         uuid.NewString(),
			TaskID:     opts.TaskID,
			FeedbackID: opts.FeedbackID,
			Model:      ep.Model,
			CallType:   string(opts.Capability),
			Timestamp:  time.Now(),
			Success:    false,
			Error:      err.Error(),
		})
		c.admission.Release(opts.TaskID, 0)
		return nil, err
	}

	c.usage.AppendTokenUsage(store.TokenUsage{
		ID:               uuid.NewString(),
		TaskID:           opts.TaskID,
		FeedbackID:       opts.FeedbackID,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CallType:         string(opts.Capability),
		Timestamp:        time.Now(),
		Success:          true,
	})
	c.admission.Release(opts.TaskID, int64(resp.Usage.TotalTokens))
	return resp, nil
}

// callWithRetry retries transient failures with jittered backoff, bounded
// by the retry config and the call context deadline.
func (c *Client) callWithRetry(ctx context.Context, ep *model.EndpointConfig, messages []Message, opts Options) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, messages, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) || attempt == c.retry.MaxAttempts {
			break
		}

		backoff := c.backoff(attempt)
		c.logger.Debug("Model request failed, retrying",
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, NewTransientError(ctx.Err())
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

// backoff computes exponential backoff with +/-25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retry.BackoffMultiplier
	}
	d := time.Duration(float64(c.retry.BackoffBase) * multiplier)
	if d > c.retry.MaxBackoff {
		d = c.retry.MaxBackoff
	}
	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}

// doRequest executes a single HTTP request against the endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, messages []Message, opts Options) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 && ep.MaxTokens > 0 {
		maxTokens = ep.MaxTokens
	}

	body, err := provider.BuildRequestBody(ep.Model, messages, opts.Temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(ep.URL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	c.logger.Debug("Sending model request",
		"provider", ep.Provider,
		"model", ep.Model,
		"messages", len(messages))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError maps status codes to the transient/fatal taxonomy.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
