// Package agent turns user text into a dispatched chat message.
package agent

import (
	"context"

	"narrator-backend/internal/models"
)

// Dispatcher is the part of the chat manager an agent sends through.
type Dispatcher interface {
	SendMessage(ctx context.Context, out models.OutgoingMessage, shouldPublish bool, postprocess func(models.Message)) error
}

type SendRequest struct {
	ChatID     string
	Text       string
	Parameters models.Parameters
	ParentID   string
	// Silent stores the user message hidden.
	Silent bool
	// Postprocess, when set, receives the finished reply after the agent's
	// own Postprocess.
	Postprocess func(models.Message)
}

// Agent shapes outbound text and finished replies. SendMessage only
// dispatches; replies arrive through chat events.
type Agent interface {
	Preprocess(text string) string
	Postprocess(reply models.Message) models.Message
	SendMessage(ctx context.Context, req SendRequest) error
}

// StreamingAgent forwards text unchanged and lets the chat manager stream the
// reply.
type StreamingAgent struct {
	dispatcher Dispatcher
}

func NewStreamingAgent(d Dispatcher) *StreamingAgent {
	return &StreamingAgent{dispatcher: d}
}

func (a *StreamingAgent) Preprocess(text string) string {
	return text
}

func (a *StreamingAgent) Postprocess(reply models.Message) models.Message {
	return reply
}

func (a *StreamingAgent) SendMessage(ctx context.Context, req SendRequest) error {
	out := models.OutgoingMessage{
		ChatID:              req.ChatID,
		Content:             a.Preprocess(req.Text),
		RequestedParameters: req.Parameters,
		ParentID:            req.ParentID,
	}

	return a.dispatcher.SendMessage(ctx, out, !req.Silent, func(reply models.Message) {
		processed := a.Postprocess(reply)
		if req.Postprocess != nil {
			req.Postprocess(processed)
		}
	})
}
