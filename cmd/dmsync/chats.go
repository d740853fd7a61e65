package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lumen-lms/dmsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	historyPages int
	chatsOnline  bool
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(presenceCmd)

	chatsCmd.Flags().BoolVar(&chatsOnline, "online", false, "check peer presence")
	historyCmd.Flags().IntVar(&historyPages, "pages", 0, "number of older pages to load after the latest one")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if chatsOnline {
			if err := s.engine.EnsureConnected(ctx); err != nil {
				return err
			}
			if err := s.engine.RefreshPresence(ctx); err != nil {
				s.log.Warn("presence check failed", zap.Error(err))
			}
		}

		chats := s.engine.Chats()
		if flagJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range chats {
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			if chatsOnline && c.PeerID != "" && s.engine.IsOnline(c.PeerID) {
				badge += " [online]"
			}
			updated := time.UnixMilli(c.UpdatedAt).Local().Format("2006-01-02 15:04")
			fmt.Printf("%-24s %s%s\n", c.ID, c.Title, badge)
			fmt.Printf("  %s  %s\n", updated, c.LastMessage)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		chat, err := s.findChat(args[0])
		if err != nil {
			return err
		}
		if err := s.engine.OpenChat(ctx, chat.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Could not refresh from server: %v\n", err)
		}
		for i := 0; i < historyPages; i++ {
			pg, _ := s.engine.Pagination(chat.ID)
			if !pg.HasMore {
				break
			}
			if err := s.engine.LoadMore(ctx, chat.ID); err != nil {
				return err
			}
		}

		msgs := s.engine.Messages(chat.ID)
		if flagJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			who := chat.Title
			if m.SenderID == s.userID || m.SenderID == dmsync.SenderMe {
				who = "you"
			}
			fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt, who, m.MessageText, messageStatus(m))
		}
		if pg, ok := s.engine.Pagination(chat.ID); ok && pg.HasMore {
			fmt.Println("(older messages available, use --pages)")
		}
		return nil
	},
}

// ============================================================================
// send / retry
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat> <message>",
	Short: "Send a direct message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		chat, err := s.findChat(args[0])
		if err != nil {
			return err
		}
		msg, err := s.engine.Send(ctx, chat.ID, args[1])
		if err != nil {
			if msg.ID != "" {
				fmt.Fprintf(os.Stderr, "Message kept as failed (%s). Retry with 'dmsync retry %s'.\n", msg.ID, msg.ID)
			}
			return err
		}
		if msg.ID == "" {
			fmt.Println("Nothing to send.")
			return nil
		}
		if flagJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to %s\n", chat.Title)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Status:     %s\n", messageStatus(msg))
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Resend a message that failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		msg, err := s.engine.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Message %s %s\n", msg.ID, messageStatus(msg))
		return nil
	},
}

// ============================================================================
// presence
// ============================================================================

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>...",
	Short: "Check whether users are online",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.engine.EnsureConnected(ctx); err != nil {
			return err
		}
		presence := s.engine.Presence()
		if err := presence.Refresh(ctx, s.rt, args); err != nil {
			return err
		}

		if flagJSON {
			out := make(map[string]bool, len(args))
			for _, id := range args {
				out[id] = presence.IsOnline(id)
			}
			return printJSON(out)
		}
		for _, id := range args {
			state := "offline"
			if presence.IsOnline(id) {
				state = "online"
			}
			fmt.Printf("%-24s %s\n", id, state)
		}
		return nil
	},
}
