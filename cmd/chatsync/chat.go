package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <counterpart-id>",
	Short: "Open an interactive conversation",
	Long: "Open a live conversation with a counterpart. Each line you type is sent as a message.\n" +
		"Commands: /retry [temp-id] resends the last failed message, /quit leaves.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := requireConfig()
		if err != nil {
			return err
		}
		s, err := newSession(cfg, log)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		v := newChatView(os.Stdout, cfg.Auth.UserID, args[0], term.IsTerminal(int(os.Stdin.Fd())))
		v.attach(s.engine)

		if err := s.engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		if err := s.engine.Select(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		v.prompt()

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
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
				if quit := v.handleLine(s.engine, line); quit {
					return nil
				}
				v.prompt()
			}
		}
	},
}

// chatView renders engine events as terminal lines. Engine listeners run
// on the engine goroutine, so every write goes through mu.
type chatView struct {
	mu          sync.Mutex
	out         io.Writer
	me          string
	counterpart string
	interactive bool

	printed    map[string]chatsync.Status
	lastFailed string
	typing     bool
}

func newChatView(out io.Writer, me, counterpart string, interactive bool) *chatView {
	return &chatView{
		out:         out,
		me:          me,
		counterpart: counterpart,
		interactive: interactive,
		printed:     make(map[string]chatsync.Status),
	}
}

func (v *chatView) attach(e *chatsync.Engine) {
	e.OnTimeline(v.onTimeline)
	e.OnTyping(v.onTyping)
	e.OnConnection(v.onConnection)
	e.OnNotice(v.onNotice)
}

func (v *chatView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *chatView) prompt() {
	if v.interactive {
		v.printf("> ")
	}
}

// onTimeline prints messages once they carry a server id. Pending sends
// stay hidden until acked. Outbound messages print again when they are
// read.
func (v *chatView) onTimeline(ev chatsync.TimelineEvent) {
	if ev.CounterpartID != v.counterpart {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range ev.Messages {
		if m.Unresolved() || m.MessageID == "" {
			continue
		}
		prev, seen := v.printed[m.MessageID]
		switch {
		case !seen:
			printMessage(v.out, v.me, m)
		case m.SenderID == v.me && m.Status == chatsync.StatusRead && prev != chatsync.StatusRead:
			fmt.Fprintf(v.out, "* %s read: %s\n", v.counterpart, truncate(m.Text, 40))
		}
		v.printed[m.MessageID] = m.Status
	}
}

func (v *chatView) onTyping(ev chatsync.TypingEvent) {
	if ev.CounterpartID != v.counterpart {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if ev.IsTyping && !v.typing {
		fmt.Fprintf(v.out, "* %s is typing...\n", v.counterpart)
	}
	v.typing = ev.IsTyping
}

func (v *chatView) onConnection(st chatsync.ConnectionState) {
	switch {
	case st.Exhausted:
		v.printf("! gave up reconnecting after %d attempts: %s\n", st.Attempt, st.LastError)
	case st.State == chatsync.StateReconnecting:
		v.printf("* reconnecting (attempt %d)\n", st.Attempt)
	case st.Connected():
		v.printf("* connected\n")
	}
}

func (v *chatView) onNotice(n chatsync.Notice) {
	switch n.Kind {
	case chatsync.NoticeSendFailed:
		v.mu.Lock()
		v.lastFailed = n.TempID
		v.mu.Unlock()
		v.printf("! message not sent (%v); type /retry to resend\n", n.Err)
	case chatsync.NoticeReconnecting:
		v.printf("* offline, reconnecting\n")
	default:
		v.printf("! %s\n", n)
	}
}

// handleLine sends a message or runs a slash command. It reports whether
// the session should end.
func (v *chatView) handleLine(e *chatsync.Engine, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case strings.HasPrefix(line, "/retry"):
		tempID := strings.TrimSpace(strings.TrimPrefix(line, "/retry"))
		if tempID == "" {
			v.mu.Lock()
			tempID = v.lastFailed
			v.mu.Unlock()
		}
		if tempID == "" {
			v.printf("! nothing to retry\n")
			return false
		}
		if _, err := e.Retry(tempID); err != nil {
			v.printf("! retry failed: %v\n", err)
		}
		return false
	case strings.HasPrefix(line, "/"):
		v.printf("! unknown command %q\n", line)
		return false
	}

	if _, err := e.Send(line, nil); err != nil {
		if errors.Is(err, chatsync.ErrNotConnected) {
			v.printf("! offline; message not sent\n")
			return false
		}
		v.printf("! %v\n", err)
	}
	return false
}
