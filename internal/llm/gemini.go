package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"narrator-backend/internal/models"
)

// GeminiClient serves "gemini-" models with the server's own API key.
type GeminiClient struct {
	client *genai.Client
	logger *zap.Logger
}

func NewGeminiClient(ctx context.Context, apiKey string, logger *zap.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger}, nil
}

func (g *GeminiClient) Close() error {
	return g.client.Close()
}

func (g *GeminiClient) Stream(ctx context.Context, req CompletionRequest, onDelta func(string)) (string, error) {
	system, history, last, err := splitGeminiHistory(req.Messages)
	if err != nil {
		return "", err
	}

	model := g.client.GenerativeModel(req.Model)
	model.SetTemperature(float32(req.Temperature))
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	cs.History = history

	iter := cs.SendMessageStream(ctx, genai.Text(last))
	var content strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return content.String(), fmt.Errorf("Gemini API error: %w", err)
		}

		text := extractText(resp)
		if text == "" {
			continue
		}
		content.WriteString(text)
		if onDelta != nil {
			onDelta(text)
		}
	}

	return content.String(), nil
}

// splitGeminiHistory folds system messages into one instruction and returns
// the earlier turns as chat history plus the final user turn.
func splitGeminiHistory(msgs []models.ChatMessage) (string, []*genai.Content, string, error) {
	var system []string
	var turns []models.ChatMessage
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}

	if len(turns) == 0 || turns[len(turns)-1].Role != models.RoleUser {
		return "", nil, "", errors.New("conversation must end with a user message")
	}

	history := make([]*genai.Content, 0, len(turns)-1)
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	return strings.Join(system, "\n\n"), history, turns[len(turns)-1].Content, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
