package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pawcare/portal/internal/chatclient"
	"github.com/pawcare/portal/internal/chatsync"
	"github.com/pawcare/portal/internal/clientstate"
	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/events"
	"github.com/pawcare/portal/internal/logging"
)

const historyPage = 50

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Interactive chat with live updates",
		Long: `Opens a session (the given one, the last used one, or a new one) and
prints messages as they arrive. Lines are sent as messages; commands:
  /switch <session-id>   open another session
  /new [title]           start a new session
  /audio <file>          send a voice message
  /quit                  leave`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := opts.client()
			if c.Token == "" {
				return errors.New("not logged in: run `portal login` or pass --token")
			}
			me, err := c.Me(ctx)
			if err != nil {
				return err
			}
			wsURL, err := chatsync.WebSocketURL(c.BaseURL, c.Token)
			if err != nil {
				return err
			}
			transport := chatsync.NewWebSocketTransport(wsURL,
				chatsync.WithTransportLogger(logging.Component("ws")))
			rt := chatsync.New(transport, chatsync.WithUserID(strconv.FormatUint(me.ID, 10)))

			v := newChatView(c, rt, cmd.OutOrStdout(), opts.statePath)
			defer v.close()

			sid := opts.state().LastSessionID
			if len(args) == 1 {
				sid = args[0]
			}
			rt.Connect()
			if sid == "" {
				err = v.newSession(ctx, "")
			} else {
				err = v.open(ctx, sid)
			}
			if err != nil {
				return err
			}
			return v.run(ctx, cmd.InOrStdin())
		},
	}
}

// chatView glues the REST client, the realtime sync and the terminal.
type chatView struct {
	client    *chatclient.Client
	rt        *chatsync.Sync
	list      *chatsync.MessageList
	statePath string

	mu  sync.Mutex
	out io.Writer
	// last printed status per message, so partial streams print once
	printed map[string]string

	unsubscribe []func()
}

func newChatView(c *chatclient.Client, rt *chatsync.Sync, out io.Writer, statePath string) *chatView {
	v := &chatView{
		client:    c,
		rt:        rt,
		list:      chatsync.NewMessageList(),
		statePath: statePath,
		out:       out,
		printed:   map[string]string{},
	}
	v.unsubscribe = []func(){
		rt.OnMessage(v.upsert),
		rt.OnMessageUpdate(v.upsert),
		rt.OnAssetUpdate(func(ev events.AssetUpdateEvent) {
			if v.list.ApplyAssetUpdate(ev.MessageID, ev.Asset) {
				if m, ok := v.list.Get(ev.MessageID); ok {
					v.show(m)
				}
			}
		}),
		rt.OnTyping(func(ev events.TypingEvent) {
			if ev.IsTyping {
				v.printLine(fmt.Sprintf("  (%s is typing)", ev.UserID))
			}
		}),
		rt.OnStateChange(func(s chatsync.ConnectionState) {
			v.printLine("-- " + s.String())
		}),
		rt.OnError(func(err error) {
			v.printLine("!! " + err.Error())
		}),
		rt.OnInvalidSession(func(sid string) {
			v.printLine("!! not a session id: " + sid)
		}),
	}
	return v
}

func (v *chatView) close() {
	for _, off := range v.unsubscribe {
		off()
	}
	v.rt.Disconnect()
}

func (v *chatView) upsert(m events.ChatMessage) {
	if m.SessionID != "" && m.SessionID != v.rt.ActiveSession() {
		return
	}
	if v.list.Upsert(m) {
		if cur, ok := v.list.Get(m.ID); ok {
			v.show(cur)
		}
	}
}

// show prints a message the first time it is seen and whenever its rendered
// state changes. Streaming partials of a pending reply are not reprinted.
func (v *chatView) show(m events.ChatMessage) {
	key := renderKey(m)
	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.printed[m.ID]; ok && prev == key {
		return
	}
	v.printed[m.ID] = key
	fmt.Fprintln(v.out, formatMessage(m))
}

func renderKey(m events.ChatMessage) string {
	var b strings.Builder
	b.WriteString(string(m.Status))
	for _, vr := range m.Variants {
		b.WriteString("|" + string(vr.Type) + ":" + string(vr.Status))
	}
	return b.String()
}

func (v *chatView) printLine(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

// open checks that sid exists, subscribes to it and merges its latest
// history. A session that cannot be opened leaves the current one active.
// Events arriving while the history loads are kept; the page only fills in
// what they do not already cover.
func (v *chatView) open(ctx context.Context, sid string) error {
	if !common.IsSessionID(sid) {
		return errors.Errorf("invalid session id %q", sid)
	}
	if _, err := v.client.GetSession(ctx, sid); err != nil {
		return errors.Wrapf(err, "open session %s", sid)
	}

	v.list.Seed(nil)
	v.mu.Lock()
	v.printed = map[string]string{}
	v.mu.Unlock()
	v.printLine("== session " + sid)
	v.rt.SetActiveSession(sid)

	page, err := v.client.ListMessages(ctx, sid, historyPage, "")
	if err != nil {
		return errors.Wrap(err, "load history")
	}
	v.list.Merge(page.Messages)
	for _, m := range v.list.Snapshot() {
		v.show(m)
	}

	if err := clientstate.Update(v.statePath, func(s *clientstate.State) { s.LastSessionID = sid }); err != nil {
		log.Warn().Err(err).Msg("remember session")
	}
	return nil
}

func (v *chatView) newSession(ctx context.Context, title string) error {
	s, err := v.client.CreateSession(ctx, title)
	if err != nil {
		return err
	}
	return v.open(ctx, s.SessionID)
}

func (v *chatView) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := v.handleLine(ctx, line)
			if err != nil {
				v.printLine("!! " + err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit.
func (v *chatView) handleLine(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, v.sendText(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <session-id>")
		}
		return false, v.open(ctx, arg)
	case "/new":
		return false, v.newSession(ctx, arg)
	case "/audio":
		if arg == "" {
			return false, errors.New("usage: /audio <file>")
		}
		return false, v.sendAudio(ctx, arg)
	default:
		return false, errors.Errorf("unknown command %s", cmd)
	}
}

func (v *chatView) sendText(ctx context.Context, text string) error {
	sid := v.rt.ActiveSession()
	if sid == "" {
		return errors.New("no active session")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ex, err := v.client.SendText(ctx, sid, text, "")
	if err != nil {
		return err
	}
	v.upsert(ex.UserMessage)
	v.upsert(ex.AssistantMessage)
	return nil
}

func (v *chatView) sendAudio(ctx context.Context, path string) error {
	sid := v.rt.ActiveSession()
	if sid == "" {
		return errors.New("no active session")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open audio")
	}
	defer f.Close()
	m, err := v.client.UploadAudio(ctx, sid, path, f)
	if err != nil {
		return err
	}
	v.upsert(m)
	return nil
}

func formatMessage(m events.ChatMessage) string {
	who := string(m.SenderType)
	if who == "" {
		who = "?"
	}
	var parts []string
	for _, vr := range m.Variants {
		switch {
		case vr.Status == events.VariantFailed:
			msg := vr.Payload.Error
			if msg == "" {
				msg = "failed"
			}
			parts = append(parts, fmt.Sprintf("[%s failed: %s]", vr.Type, msg))
		case vr.Type == events.VariantText && vr.Payload.Text != "":
			parts = append(parts, vr.Payload.Text)
		case vr.Type == events.VariantText:
			parts = append(parts, "…")
		default:
			parts = append(parts, fmt.Sprintf("[%s %s]", vr.Type, vr.Status))
		}
	}
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = m.UpdatedAt
	}
	return fmt.Sprintf("%s %-9s %s", ts.Local().Format("15:04"), who+":", strings.Join(parts, " "))
}
