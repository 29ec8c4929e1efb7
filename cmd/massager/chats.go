package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	massager "github.com/massager-chat/massager-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsJSON bool

	messagesLimit int
	messagesJSON  bool

	sendWait time.Duration
)

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats with their last message",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.close()

		snap := sess.engine.Store().Snapshot()
		if chatsJSON {
			return json.NewEncoder(os.Stdout).Encode(snap.Roster)
		}
		if len(snap.Roster) == 0 {
			fmt.Println("No chats yet. Create one with 'massager chats create <name> <member>...'.")
			return nil
		}
		self := snap.Identity.Username
		for _, c := range snap.Roster {
			fmt.Println(chatLabel(c, self))
			if last, ok := snap.LastMessages[c.ID]; ok {
				fmt.Printf("    %s: %s  (%s)\n", last.Sender, last.Preview(30), last.Timestamp.Local().Format("Jan 2 15:04"))
			} else {
				fmt.Println("    no messages yet")
			}
		}
		return nil
	},
}

var chatsCreateCmd = &cobra.Command{
	Use:   "create <name> <member>...",
	Short: "Create a chat with one or more members",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.close()

		id, err := sess.engine.CreateChat(ctx, args[0], args[1:])
		if err != nil {
			return fmt.Errorf("create chat failed: %w", err)
		}
		if id == "" {
			fmt.Println("Chat created.")
			return nil
		}
		fmt.Printf("Chat created: %s\n", id)
		return nil
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.close()

		if err := sess.engine.DeleteChat(ctx, massager.ChatID(args[0])); err != nil {
			return fmt.Errorf("delete chat failed: %w", err)
		}
		fmt.Printf("Chat %s deleted.\n", args[0])
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show the message history of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res := client.ListMessages(ctx, massager.ChatID(args[0]), messagesLimit)
		if res.Failure() != nil {
			return apiError("loading messages failed", res)
		}
		if messagesJSON {
			fmt.Println(string(res.Data))
			return nil
		}
		var list massager.MessageList
		if err := res.Decode(&list); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(list.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range list.Messages {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>...",
	Short: "Send a message to a chat",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sess, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer sess.close()

		id := massager.ChatID(args[0])
		if err := sess.engine.SelectChat(ctx, id); err != nil {
			return fmt.Errorf("cannot open chat %s: %w", id, err)
		}

		content := strings.Join(args[1:], " ")
		relayed := make(chan struct{}, 1)
		unsubscribe := sess.engine.Store().Subscribe(func(c massager.Change) {
			if !c.Kinds.Has(massager.ChangeMessages) {
				return
			}
			msgs := c.Snapshot.Messages
			if len(msgs) > 0 && msgs[len(msgs)-1].Content == strings.TrimSpace(content) {
				select {
				case relayed <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		if err := sess.engine.SendMessage(ctx, content); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		select {
		case <-relayed:
			fmt.Println("Delivered.")
		case <-time.After(sendWait):
			fmt.Println("Sent.")
		}
		return nil
	},
}

func printMessage(m massager.Message) {
	ts := m.Timestamp.Local().Format("2006-01-02 15:04")
	fmt.Printf("%s  %s: %s\n", ts, m.Sender, m.Content)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output JSON")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", massager.DefaultHistoryLimit, "Number of messages (max 100)")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 3*time.Second, "How long to wait for the server to relay the message")

	chatsCmd.AddCommand(chatsCreateCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)

	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
