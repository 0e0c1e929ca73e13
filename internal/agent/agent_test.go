package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"narrator-backend/internal/models"
)

type recordingDispatcher struct {
	out           models.OutgoingMessage
	shouldPublish bool
	reply         *models.Message
	err           error
	calls         int
}

func (d *recordingDispatcher) SendMessage(ctx context.Context, out models.OutgoingMessage, shouldPublish bool, postprocess func(models.Message)) error {
	d.calls++
	d.out = out
	d.shouldPublish = shouldPublish
	if d.err != nil {
		return d.err
	}
	if d.reply != nil {
		postprocess(*d.reply)
	}
	return nil
}

func TestStreamingAgent_SendMessage(t *testing.T) {
	d := &recordingDispatcher{reply: &models.Message{ID: "r1", Content: "The door creaks."}}
	a := NewStreamingAgent(d)

	var got models.Message
	err := a.SendMessage(context.Background(), SendRequest{
		ChatID:     "chat-1",
		Text:       "open the door",
		Parameters: models.Parameters{Model: "gpt-3.5-turbo", Temperature: 0.5},
		ParentID:   "p1",
		Postprocess: func(m models.Message) {
			got = m
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "chat-1", d.out.ChatID)
	assert.Equal(t, "open the door", d.out.Content)
	assert.Equal(t, "p1", d.out.ParentID)
	assert.Equal(t, "gpt-3.5-turbo", d.out.RequestedParameters.Model)
	assert.True(t, d.shouldPublish)
	assert.Equal(t, "r1", got.ID)
}

func TestStreamingAgent_Silent(t *testing.T) {
	d := &recordingDispatcher{reply: &models.Message{ID: "r1"}}
	a := NewStreamingAgent(d)

	require.NoError(t, a.SendMessage(context.Background(), SendRequest{ChatID: "c", Text: "x", Silent: true}))
	assert.False(t, d.shouldPublish)
}

func TestStreamingAgent_DispatchError(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("store down")}
	a := NewStreamingAgent(d)

	err := a.SendMessage(context.Background(), SendRequest{ChatID: "c", Text: "x"})
	assert.EqualError(t, err, "store down")
}

func TestStreamingAgent_IdentityHooks(t *testing.T) {
	a := NewStreamingAgent(nil)
	assert.Equal(t, "  keep spacing ", a.Preprocess("  keep spacing "))

	reply := models.Message{ID: "r", Content: "c"}
	assert.Equal(t, reply, a.Postprocess(reply))
}
