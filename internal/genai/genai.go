// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// All outbound model calls go through a shared token-bucket limiter so the
// whole process stays under the vendor's calls-per-minute ceiling. Waits are
// blocking but bounded.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ak-intelligence/whatia/internal/models"
)

// Defaults mirroring the historical service configuration.
const (
	DefaultModel          = openai.GPT3Dot5Turbo
	DefaultCallsPerMinute = 30
	DefaultMaxReplyTokens = 400
	DefaultTemperature    = 0.7
	DefaultMaxWait        = 90 * time.Second
	DefaultImageSize      = openai.CreateImageSize256x256
)

// chatService defines the minimal OpenAI surface used by the client.
type chatService interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey         string
	Model          string
	CallsPerMinute int
	MaxWait        time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithCallsPerMinute sets the global outbound call ceiling.
func WithCallsPerMinute(n int) Option {
	return func(o *Opts) { o.CallsPerMinute = n }
}

// WithMaxWait bounds how long a call may sit in the limiter queue.
func WithMaxWait(d time.Duration) Option {
	return func(o *Opts) { o.MaxWait = d }
}

// Client wraps the OpenAI API for chat completions and image generation.
type Client struct {
	chat    chatService
	model   string
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultModel,
		CallsPerMinute: DefaultCallsPerMinute,
		MaxWait:        DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	slog.Debug("GenAI client configured", "model", cfg.Model, "calls_per_minute", cfg.CallsPerMinute)
	return &Client{
		chat:    openai.NewClient(cfg.APIKey),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.CallsPerMinute)), 1),
		maxWait: cfg.MaxWait,
	}, nil
}

// newClientWithService is used by tests to inject a mock chat service.
func newClientWithService(svc chatService) *Client {
	return &Client{
		chat:    svc,
		model:   DefaultModel,
		limiter: rate.NewLimiter(rate.Inf, 1),
		maxWait: DefaultMaxWait,
	}
}

// waitForSlot blocks until the limiter grants a call slot or the bounded wait
// expires.
func (c *Client) waitForSlot(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		slog.Warn("GenAI rate limiter wait expired", "max_wait", c.maxWait, "error", err)
		return models.ErrLimiterDeadline
	}
	return nil
}

// Converse sends a role-tagged message sequence to the chat model and returns
// the assistant reply. maxTokens caps the reply length; a zero value uses
// DefaultMaxReplyTokens.
func (c *Client) Converse(ctx context.Context, history []models.ChatMessage, maxTokens int) (string, error) {
	if err := c.waitForSlot(ctx); err != nil {
		return "", err
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxReplyTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: DefaultTemperature,
	}
	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("GenAI chat completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	reply := resp.Choices[0].Message.Content
	slog.Debug("GenAI chat completion succeeded", "history_len", len(history), "reply_len", len(reply))
	return reply, nil
}

// GenerateImage asks the image model for one image matching the prompt and
// returns its URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if err := c.waitForSlot(ctx); err != nil {
		return "", err
	}

	req := openai.ImageRequest{
		Prompt:         prompt,
		N:              1,
		Size:           DefaultImageSize,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}
	resp, err := c.chat.CreateImage(ctx, req)
	if err != nil {
		slog.Error("GenAI image generation failed", "error", err)
		return "", fmt.Errorf("image generation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("no image returned")
	}
	slog.Debug("GenAI image generated", "prompt_len", len(prompt))
	return resp.Data[0].URL, nil
}
