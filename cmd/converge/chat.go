package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	converge "github.com/converge-nps/converge-go"
	"github.com/spf13/cobra"
)

var (
	chatListUnreadOnly bool
	chatListFilter     string
	chatSendOffline    bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatOpenCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatPendingCmd)

	chatListCmd.Flags().BoolVar(&chatListUnreadOnly, "unread-first", false, "sort conversations with unread first")
	chatListCmd.Flags().StringVar(&chatListFilter, "filter", "", "filter by participant name substring")
	chatSendCmd.Flags().BoolVar(&chatSendOffline, "offline", false, "queue the message instead of sending now")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "Browse conversations and exchange messages over the Converge chat API.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()
		store := openStore()
		defer store.Close()

		channel := getChannel(cfg)
		lc := converge.NewListController(client, channel, store, cfg.User.ID, nil)
		defer lc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := lc.Load(ctx); err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}

		convos := lc.Conversations()
		if chatListFilter != "" {
			convos = converge.FilterConversations(convos, chatListFilter)
		}
		order := converge.ByRecency
		if chatListUnreadOnly {
			order = converge.ByUnreadFirst
		}
		convos = converge.SortConversations(convos, order)

		if len(convos) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convos {
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Content
				if len(preview) > 48 {
					preview = preview[:48] + "…"
				}
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%-24s  %s (%s)%s\n    %s\n",
				c.ID, c.OtherParticipant.DisplayName, c.OtherParticipant.Organization, unread, preview)
		}
		return nil
	},
}

// ============================================================================
// chat open
// ============================================================================

var chatOpenCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and stream live messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()
		store := openStore()
		defer store.Close()

		channel := getChannel(cfg)
		ctx := context.Background()
		if err := channel.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Live channel unavailable, using polling: %v\n", err)
		}
		defer channel.Disconnect()

		tc := converge.NewThreadController(client, channel, store, store, args[0], selfParticipant(cfg), nil)
		defer tc.Close()

		var mu sync.Mutex
		printed := 0
		tc.OnChange(func() {
			mu.Lock()
			defer mu.Unlock()
			msgs := tc.Messages()
			for _, m := range msgs[printed:] {
				fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.SenderID, m.Content)
			}
			printed = len(msgs)
		})

		if err := tc.Open(ctx); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		fmt.Println("Streaming messages. Ctrl-C to leave.")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()
		store := openStore()
		defer store.Close()

		channel := getChannel(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if !chatSendOffline {
			if err := channel.Connect(ctx); err == nil {
				defer channel.Disconnect()
			}
		}

		opts := &converge.ThreadOptions{}
		if chatSendOffline {
			opts.Online = func() bool { return false }
		}
		tc := converge.NewThreadController(client, channel, store, store, args[0], selfParticipant(cfg), opts)
		defer tc.Close()

		if err := tc.Open(ctx); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		outcome, err := tc.Send(ctx, args[1])
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		switch outcome {
		case converge.SendQueued:
			fmt.Println("Offline: message queued for delivery.")
		case converge.SendSent:
			fmt.Println("Sent.")
		default:
			fmt.Println("Nothing to send.")
		}
		return nil
	},
}

// ============================================================================
// chat pending
// ============================================================================

var chatPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show and replay queued offline operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient()
		store := openStore()
		defer store.Close()

		n := store.Pending(cfg.User.ID)
		fmt.Printf("%d pending operation(s) for %s\n", n, cfg.User.ID)
		if n == 0 {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		replayer := converge.NewReplayer(store, client, nil)
		replayer.Flush(ctx)

		fmt.Printf("%d remaining after replay\n", store.Pending(cfg.User.ID))
		return nil
	},
}
