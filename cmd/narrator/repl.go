package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"narrator-backend/internal/models"
	"narrator-backend/internal/session"
)

const helpText = `Commands:
  /regen         ask for another version of the last reply
  /edit <text>   replace your last action and replay from there
  /new           start a new adventure
  /open <id>     resume a saved chat
  /chats         list saved chats
  /history       show the current chat
  /key <key>     set the API key for this run
  /help          show this help
  /quit          leave`

type chatLister interface {
	ListChats(ctx context.Context) ([]models.Chat, error)
}

type repl struct {
	session *session.Session
	store   chatLister
	printer *printer
	in      io.Reader
	out     io.Writer
	// timeout bounds how long one reply may stream.
	timeout time.Duration
}

var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Welcome, adventurer. Describe what you do, or type /help.")

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		err := r.handle(ctx, scanner.Text())
		switch {
		case errors.Is(err, errQuit):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/new":
		if err := r.session.Navigate("/"); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "A new adventure begins.")
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <id>")
		}
		if err := r.session.Navigate("/chat/" + arg); err != nil {
			return err
		}
		return r.history(ctx)
	case "/chats":
		return printChats(ctx, r.out, r.store)
	case "/history":
		return r.history(ctx)
	case "/key":
		if arg == "" {
			return errors.New("usage: /key <key>")
		}
		if err := r.session.Options().Set(ctx, "openai", "apiKey", "", arg); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "API key set.")
	case "/regen":
		return r.regenerate(ctx)
	case "/edit":
		if arg == "" {
			return errors.New("usage: /edit <text>")
		}
		return r.edit(ctx, arg)
	default:
		return fmt.Errorf("unknown command %s, try /help", name)
	}
	return nil
}

func (r *repl) send(ctx context.Context, text string) error {
	r.printer.reset()
	if _, ok := r.session.OnNewMessage(ctx, text); !ok {
		return errors.New("message was not sent")
	}
	return r.wait(ctx)
}

func (r *repl) regenerate(ctx context.Context) error {
	leaf := r.session.Snapshot(ctx).CurrentChat.Leaf
	if leaf == nil || leaf.Role != models.RoleAssistant {
		return errors.New("nothing to regenerate")
	}

	r.printer.reset()
	if !r.session.RegenerateMessage(ctx, *leaf) {
		return errors.New("regenerate was not sent")
	}
	return r.wait(ctx)
}

func (r *repl) edit(ctx context.Context, text string) error {
	last, ok := lastOfRole(r.session.Snapshot(ctx).CurrentChat.MessagesToDisplay, models.RoleUser)
	if !ok {
		return errors.New("nothing to edit")
	}

	r.printer.reset()
	if !r.session.EditMessage(ctx, last, text) {
		return errors.New("edit was not sent")
	}
	return r.wait(ctx)
}

func (r *repl) wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.printer.wait(ctx)
}

func (r *repl) history(ctx context.Context) error {
	snap := r.session.Snapshot(ctx)
	msgs := snap.CurrentChat.MessagesToDisplay
	if len(msgs) == 0 {
		fmt.Fprintf(r.out, "Chat %s is empty.\n", snap.ID)
		return nil
	}

	fmt.Fprintf(r.out, "Chat %s\n\n", snap.ID)
	for _, m := range msgs {
		who := "You"
		if m.Role == models.RoleAssistant {
			who = "DM"
		}
		fmt.Fprintf(r.out, "%s: %s\n\n", who, m.Content)
	}
	return nil
}

func lastOfRole(msgs []models.Message, role string) (models.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return models.Message{}, false
}

func printChats(ctx context.Context, out io.Writer, store chatLister) error {
	chats, err := store.ListChats(ctx)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(out, "No saved chats.")
		return nil
	}
	for _, c := range chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(out, "%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	return nil
}
