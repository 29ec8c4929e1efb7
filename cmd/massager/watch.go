package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	massager "github.com/massager-chat/massager-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

const watchHelp = `Commands:
  /chats                      list chats with unread counts
  /select <chat-id>           open a chat
  /create <name> <member>...  create a chat
  /delete <chat-id>           delete a chat
  /logout                     log out and leave
  /quit                       leave
Any other input is sent to the open chat.`

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactive chat session",
	Long:  "Follow chats in real time. Incoming messages for the open chat are printed as they arrive.\n\n" + watchHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sess, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer sess.close()

		creds, err := getCredentials()
		if err != nil {
			return err
		}

		v := newChatView(sess.engine.Store().Snapshot().Identity.Username)
		unsubscribe := sess.engine.Store().Subscribe(v.render)
		defer unsubscribe()
		sess.engine.OnError(func(err error) { v.printf("! %v\n", err) })
		sess.realtime.OnReconnecting(func(attempt int, delay time.Duration) {
			v.printf("! connection lost, reconnecting in %s (attempt %d)\n", delay, attempt)
		})
		sess.realtime.OnOpened(func() { v.printf("! connected\n") })

		v.listChats(sess.engine.Store().Snapshot())
		if prefs, err := creds.Preferences(); err == nil {
			if last, ok := prefs["last_chat"].(string); ok {
				if _, found := sess.engine.Store().Snapshot().Chat(massager.ChatID(last)); found {
					if err := sess.engine.SelectChat(ctx, massager.ChatID(last)); err != nil {
						v.printf("! %v\n", err)
					}
				}
			}
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
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
				if quit := runWatchLine(ctx, sess, creds, v, line); quit {
					return nil
				}
			}
		}
	},
}

// runWatchLine handles one input line and reports whether to quit.
func runWatchLine(ctx context.Context, sess *liveSession, creds *massager.FileCredentials, v *chatView, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := sess.engine.SendMessage(ctx, line); err != nil {
			v.printf("! %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/logout":
		if err := sess.engine.Logout(ctx); err != nil {
			v.printf("! %v\n", err)
			return false
		}
		v.printf("logged out\n")
		return true
	case "/help":
		v.printf("%s\n", watchHelp)
	case "/chats":
		v.listChats(sess.engine.Store().Snapshot())
	case "/select":
		if len(fields) != 2 {
			v.printf("usage: /select <chat-id>\n")
			return false
		}
		id := massager.ChatID(fields[1])
		if err := sess.engine.SelectChat(ctx, id); err != nil {
			v.printf("! %v\n", err)
			return false
		}
		prefs, err := creds.Preferences()
		if err == nil {
			prefs["last_chat"] = string(id)
			err = creds.SavePreferences(prefs)
		}
		if err != nil {
			logger.Debug("saving last chat failed", "error", err)
		}
	case "/create":
		if len(fields) < 2 {
			v.printf("usage: /create <name> <member>...\n")
			return false
		}
		id, err := sess.engine.CreateChat(ctx, fields[1], fields[2:])
		if err != nil {
			v.printf("! %v\n", err)
			return false
		}
		v.printf("created chat %s\n", id)
	case "/delete":
		if len(fields) != 2 {
			v.printf("usage: /delete <chat-id>\n")
			return false
		}
		if err := sess.engine.DeleteChat(ctx, massager.ChatID(fields[1])); err != nil {
			v.printf("! %v\n", err)
		}
	default:
		v.printf("unknown command %s (try /help)\n", fields[0])
	}
	return false
}

// ============================================================================
// chatView
// ============================================================================

// chatView prints store changes to the terminal.
type chatView struct {
	mu      sync.Mutex
	self    string
	active  massager.ChatID
	printed map[string]bool
	unread  map[massager.ChatID]int
}

func newChatView(self string) *chatView {
	return &chatView{self: self, printed: map[string]bool{}, unread: map[massager.ChatID]int{}}
}

func (v *chatView) printf(format string, args ...interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Printf(format, args...)
}

func (v *chatView) render(c massager.Change) {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := c.Snapshot
	if c.Kinds.Has(massager.ChangeRoster) {
		fmt.Printf("-- %d chats --\n", len(snap.Roster))
	}
	if c.Kinds.Has(massager.ChangeActive) && snap.Active != v.active {
		v.active = snap.Active
		v.printed = map[string]bool{}
		if chat, ok := snap.Chat(snap.Active); ok {
			fmt.Printf("== %s ==\n", chat.DisplayName(v.self))
		}
	}
	if c.Kinds.Has(massager.ChangeMessages) {
		for _, m := range snap.Messages {
			key := printKey(m)
			if v.printed[key] {
				continue
			}
			v.printed[key] = true
			printMessage(m)
		}
	}
	if c.Kinds.Has(massager.ChangeUnread) {
		for id, n := range snap.Unread {
			if n > v.unread[id] {
				if chat, ok := snap.Chat(id); ok {
					fmt.Printf("* %d unread in %s\n", n, chatLabel(chat, v.self))
				}
			}
		}
		v.unread = snap.Unread
	}
}

func (v *chatView) listChats(snap massager.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(snap.Roster) == 0 {
		fmt.Println("No chats. Use /create <name> <member>...")
		return
	}
	for _, c := range snap.Roster {
		marker := " "
		if c.ID == snap.Active {
			marker = ">"
		}
		line := fmt.Sprintf("%s %s", marker, chatLabel(c, v.self))
		if n := snap.Unread[c.ID]; n > 0 {
			line += fmt.Sprintf(" (%d unread)", n)
		}
		if last, ok := snap.LastMessages[c.ID]; ok {
			line += " - " + last.Preview(30)
		}
		fmt.Println(line)
	}
	fmt.Printf("%d unread in total\n", snap.TotalUnread())
}

// printKey identifies a displayed message for the terminal.
func printKey(m massager.Message) string {
	if k := m.Key(); k != "" {
		return k
	}
	return fmt.Sprintf("%s|%s|%d|%s", m.ChatID, m.Sender, m.Timestamp.UnixNano(), m.Content)
}
