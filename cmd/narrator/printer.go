package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"narrator-backend/internal/models"
)

// printer renders session pushes on the terminal. Assistant replies are
// streamed: each chat update prints only the text not shown yet.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]int
	// done receives the id of each assistant reply that finished.
	done chan string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		printed: make(map[string]int),
		done:    make(chan string, 1),
	}
}

func (p *printer) Notify(ctx context.Context, sessionID string, msg models.WSMessage) error {
	switch msg.Type {
	case models.WSChatUpdate:
		update, ok := msg.Payload.(models.ChatUpdate)
		if !ok {
			return nil
		}
		p.reply(update.Message)
	case models.WSOpenAPIKeyPanel:
		p.mu.Lock()
		fmt.Fprintln(p.out, "No API key configured. Set OPENAI_API_KEY or use /key <key>.")
		p.mu.Unlock()
	}
	return nil
}

func (p *printer) reply(m models.Message) {
	if m.Role != models.RoleAssistant {
		return
	}

	p.mu.Lock()
	n, seen := p.printed[m.ID]
	if !seen {
		fmt.Fprint(p.out, "\nDM: ")
	}
	if len(m.Content) > n {
		fmt.Fprint(p.out, m.Content[n:])
		n = len(m.Content)
	}
	p.printed[m.ID] = n
	if m.Done {
		if m.Error != "" {
			fmt.Fprintf(p.out, "\n[error: %s]", m.Error)
		}
		fmt.Fprint(p.out, "\n\n")
		delete(p.printed, m.ID)
	}
	p.mu.Unlock()

	if m.Done {
		select {
		case p.done <- m.ID:
		default:
		}
	}
}

// reset drops a stale completion signal before a new request.
func (p *printer) reset() {
	select {
	case <-p.done:
	default:
	}
}

// wait blocks until a reply finishes or ctx is done.
func (p *printer) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
