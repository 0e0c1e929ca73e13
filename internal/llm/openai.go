package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"narrator-backend/internal/models"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024
)

type OpenAIConfig struct {
	BaseURL string
	// ProxyURL serves requests that carry no user API key.
	ProxyURL           string
	ConcurrentRequests int
	RequestsPerMinute  int
	HTTPClient         *http.Client
}

// OpenAIClient is a streaming client for OpenAI-compatible chat completion APIs.
type OpenAIClient struct {
	baseURL    string
	proxyURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	slots      chan struct{} // Token bucket
	logger     *zap.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	concurrent := cfg.ConcurrentRequests
	if concurrent <= 0 {
		concurrent = 5
	}
	slots := make(chan struct{}, concurrent)
	for i := 0; i < concurrent; i++ {
		slots <- struct{}{}
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Streams are bounded by the request context, not a client timeout.
		httpClient = &http.Client{}
	}

	return &OpenAIClient{
		baseURL:    baseURL,
		proxyURL:   strings.TrimRight(cfg.ProxyURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, concurrent),
		slots:      slots,
		logger:     logger,
	}
}

func (c *OpenAIClient) ProxySupported() bool {
	return c.proxyURL != ""
}

type chatCompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	Stream      bool                 `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Stream performs a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest, onDelta func(string)) (string, error) {
	baseURL := c.baseURL
	if req.APIKey == "" {
		if !c.ProxySupported() {
			return "", ErrNotConfigured
		}
		baseURL = c.proxyURL
	}

	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", classifyError(resp.StatusCode, data)
	}

	return c.readStream(ctx, resp.Body, onDelta)
}

func (c *OpenAIClient) readStream(ctx context.Context, body io.Reader, onDelta func(string)) (string, error) {
	reader := newSSEReader(body)
	var content strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return content.String(), err
		}

		data, err := reader.next()
		if errors.Is(err, io.EOF) {
			return content.String(), nil
		}
		if err != nil {
			return content.String(), fmt.Errorf("stream read failed: %w", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return content.String(), nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			return content.String(), &APIError{Status: http.StatusOK, Message: chunk.Error.Message}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
	}
}

func (c *OpenAIClient) acquire(ctx context.Context) error {
	select {
	case <-c.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *OpenAIClient) release() {
	c.slots <- struct{}{}
}

func classifyError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthFailed, message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrModelNotFound, message)
	default:
		return &APIError{Status: status, Message: message}
	}
}
