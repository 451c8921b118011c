package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"pairchat/internal/bus"
	"pairchat/internal/chat"
	"pairchat/internal/config"
	"pairchat/internal/domain"
	"pairchat/internal/env"
)

// repl is the interactive terminal front end over the sync core. It renders
// incoming events from the bus and turns typed lines into intents.
type repl struct {
	core    *chat.Core
	events  *bus.Bus
	signals *env.Signals
	self    domain.Participant
	peer    domain.Participant
	in      io.Reader
	out     io.Writer

	mu    sync.Mutex
	shown map[string]bool // message ids already rendered
}

func newREPL(core *chat.Core, events *bus.Bus, cfg *config.Config, signals *env.Signals) *repl {
	return &repl{
		core:    core,
		events:  events,
		signals: signals,
		self:    domain.Participant(cfg.Participants.Self),
		peer:    domain.Participant(cfg.Participants.Peer),
		in:      os.Stdin,
		out:     os.Stdout,
		shown:   make(map[string]bool),
	}
}

func (r *repl) run(ctx context.Context) error {
	r.events.On(bus.EventMessages, func(bus.Event) { r.renderNew() })
	r.events.On(bus.EventPresence, func(bus.Event) { r.renderPresence() })
	r.events.On(bus.EventConnection, func(e bus.Event) {
		fmt.Fprintf(r.out, "* connection: %v\n", e.Payload)
	})
	r.events.On(bus.EventSchedule, func(e bus.Event) {
		fmt.Fprintf(r.out, "* scheduled message fired (%v)\n", e.Payload)
	})

	fmt.Fprintf(r.out, "pairchat: %s <-> %s. Type a message, /help for commands.\n", r.self, r.peer)
	r.renderNew()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.signals.Unload()
			return nil
		case line, ok := <-lines:
			if !ok {
				r.signals.Unload()
				return nil
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(r.out, "! %v\n", err)
			}
			if quit {
				r.signals.Unload()
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit" || line == "/q":
		return true, nil
	case line == "/help":
		r.printHelp()
		return false, nil
	case line == "/more":
		return false, r.core.LoadMore(ctx)
	case line == "/who":
		r.renderPresence()
		return false, nil
	case line == "/status":
		st := r.core.Pagination()
		fmt.Fprintf(r.out, "* connection=%s loaded=%d hasMore=%v\n", r.core.Connection(), st.TotalLoaded, st.HasMore)
		return false, nil
	case line == "/clear":
		return false, r.core.ClearHistory(ctx)
	case line == "/hide":
		r.signals.VisibilityChanged(true)
		return false, nil
	case line == "/show":
		r.signals.VisibilityChanged(false)
		return false, nil
	case strings.HasPrefix(line, "/find "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/find "))
		if r.core.ScrollToMessage(ctx, id) {
			fmt.Fprintf(r.out, "* %s is loaded\n", id)
		} else {
			fmt.Fprintf(r.out, "* %s not found\n", id)
		}
		return false, nil
	case strings.HasPrefix(line, "/edit "):
		id, text, ok := splitIDArg(line, "/edit ")
		if !ok {
			return false, fmt.Errorf("usage: /edit <id> <new text>")
		}
		return false, r.core.EditMessage(ctx, id, text)
	case strings.HasPrefix(line, "/del "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/del "))
		return false, r.core.DeleteMessage(ctx, id)
	case strings.HasPrefix(line, "/react "):
		id, emoji, ok := splitIDArg(line, "/react ")
		if !ok {
			return false, fmt.Errorf("usage: /react <id> <emoji>")
		}
		return false, r.core.React(ctx, id, emoji)
	case strings.HasPrefix(line, "/reply "):
		id, text, ok := splitIDArg(line, "/reply ")
		if !ok {
			return false, fmt.Errorf("usage: /reply <id> <text>")
		}
		_, err := r.core.SendMessage(ctx, text, id)
		return false, err
	case strings.HasPrefix(line, "/voice "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/voice "))
		data, err := os.ReadFile(path)
		if err != nil {
			return false, err
		}
		_, err = r.core.SendVoice(ctx, path, data)
		return false, err
	case strings.HasPrefix(line, "/in "):
		return false, r.scheduleIn(ctx, strings.TrimPrefix(line, "/in "))
	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %q, try /help", strings.Fields(line)[0])
	default:
		r.core.SetTyping(ctx, false)
		_, err := r.core.SendMessage(ctx, line, "")
		return false, err
	}
}

// scheduleIn parses "/in <duration> <text>" into a one-shot schedule.
func (r *repl) scheduleIn(ctx context.Context, rest string) error {
	parts := strings.SplitN(strings.TrimSpace(rest), " ", 2)
	if len(parts) != 2 {
		return fmt.Errorf("usage: /in <duration> <text>")
	}
	d, err := time.ParseDuration(parts[0])
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", parts[0], err)
	}
	sched, err := r.core.ScheduleMessage(ctx, parts[1], time.Now().Add(d), domain.RecurNone, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "* scheduled %s at %s\n", sched.ID, sched.FireAt.Format(time.RFC3339))
	return nil
}

// renderNew prints messages that have not been shown yet.
func (r *repl) renderNew() {
	msgs := r.core.Messages()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if r.shown[m.ID] {
			continue
		}
		r.shown[m.ID] = true
		body := m.Text
		if m.AudioRef != "" {
			body = fmt.Sprintf("[voice %s]", m.AudioRef)
		}
		prefix := ""
		if m.ReplyTo != nil {
			prefix = fmt.Sprintf("(re %q) ", m.ReplyTo.Text)
		}
		fmt.Fprintf(r.out, "[%s] %s: %s%s  (%s)\n",
			m.CreatedAt.Format("15:04"), m.Author, prefix, body, m.ID)
	}
}

func (r *repl) renderPresence() {
	p := r.core.PeerPresence()
	switch {
	case p.Typing:
		fmt.Fprintf(r.out, "* %s is typing...\n", r.peer)
	case p.Online:
		fmt.Fprintf(r.out, "* %s is online\n", r.peer)
	case p.LastSeen.IsZero():
		fmt.Fprintf(r.out, "* %s: presence unknown\n", r.peer)
	default:
		fmt.Fprintf(r.out, "* %s last seen %s\n", r.peer, p.LastSeen.Format("15:04"))
	}
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, `commands:
  <text>              send a message
  /reply <id> <text>  reply with a quoted snapshot
  /edit <id> <text>   edit your message
  /del <id>           delete a message
  /react <id> <emoji> set a reaction (/react <id> "" clears)
  /voice <file>       send an audio file
  /more               load older history
  /find <id>          scroll to a message
  /in <dur> <text>    schedule a one-shot message, e.g. /in 10m tea
  /who                peer presence
  /status             connection and pagination state
  /hide, /show        simulate tab visibility
  /clear              delete the whole conversation
  /quit               exit`)
}

func splitIDArg(line, prefix string) (id, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, prefix)), " ", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}
