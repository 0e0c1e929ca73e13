// Package llm talks to hosted completion providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"narrator-backend/internal/models"
)

var (
	// ErrNotConfigured means the request carried no API key and no proxy is configured.
	ErrNotConfigured = errors.New("no API key configured and no proxy available")

	ErrAuthFailed = errors.New("authentication failed")

	ErrRateLimited = errors.New("rate limited")

	ErrModelNotFound = errors.New("model not found")

	// ErrProviderUnavailable means no provider is registered for the model.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// APIError is a provider error that maps to none of the sentinel errors.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

type CompletionRequest struct {
	Model       string
	Temperature float64
	APIKey      string
	Messages    []models.ChatMessage
}

// Completer streams a completion. onDelta is called for every content chunk in
// order; the full reply is returned once the stream ends.
type Completer interface {
	Stream(ctx context.Context, req CompletionRequest, onDelta func(string)) (string, error)
}

// Router dispatches to Gemini for "gemini-" models and to the OpenAI-compatible
// client for everything else.
type Router struct {
	openAI *OpenAIClient
	gemini Completer
}

// NewRouter builds a Router. gemini may be nil when no Gemini key is configured.
func NewRouter(openAI *OpenAIClient, gemini Completer) *Router {
	return &Router{openAI: openAI, gemini: gemini}
}

func (r *Router) Stream(ctx context.Context, req CompletionRequest, onDelta func(string)) (string, error) {
	if strings.HasPrefix(req.Model, "gemini-") {
		if r.gemini == nil {
			return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, req.Model)
		}
		return r.gemini.Stream(ctx, req, onDelta)
	}
	if r.openAI == nil {
		return "", fmt.Errorf("%w: %s", ErrProviderUnavailable, req.Model)
	}
	return r.openAI.Stream(ctx, req, onDelta)
}

// ProxySupported reports whether requests without a user API key can be served.
func (r *Router) ProxySupported() bool {
	return r.openAI != nil && r.openAI.ProxySupported()
}
