package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrack/chatrack/internal/linkex"
)

var (
	messagesAfter  string
	messagesBefore string
	messagesLinks  bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show messages from a chat",
	Long: `Show the messages of one chat in chronological order.

Links found in message bodies are annotated with their classification:
playable tracks, non-track resources (albums, playlists), or links to
other streaming services.

Examples:
  chatrack messages 3
  chatrack messages 3 --after 2024-01-01 --before 2024-06-01
  chatrack messages 3 --links`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}

		start, end, err := parseRangeFlags(messagesAfter, messagesBefore)
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		msgs, err := newEngine(s).MessagesInRange(cmd.Context(), []int64{chatID}, start, end)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}

		shown := 0
		for _, m := range msgs {
			if messagesLinks && len(m.Links) == 0 {
				continue
			}
			shown++
			sender := m.Sender
			if m.IsFromMe {
				sender = "me"
			}
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("2006-01-02 15:04"), sender, m.Body)
			for _, l := range m.Links {
				fmt.Printf("    %s %s\n", linkTag(l), l.URL)
			}
		}

		fmt.Printf("\n%d message(s)\n", shown)
		return nil
	},
}

func linkTag(l linkex.Link) string {
	switch l.Kind {
	case linkex.KindTrack:
		return "[track]"
	case linkex.KindNonTrack:
		return fmt.Sprintf("[%s]", l.Display)
	case linkex.KindOtherService:
		return fmt.Sprintf("[%s]", l.OtherService)
	default:
		return "[link]"
	}
}

// parseRangeFlags turns --after/--before into a [start, end) window.
// Missing bounds default to all of history up to now.
func parseRangeFlags(after, before string) (time.Time, time.Time, error) {
	start := time.Unix(0, 0)
	end := time.Now().Add(24 * time.Hour)

	var err error
	if after != "" {
		if start, err = parseDay(after); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--after: %w", err)
		}
	}
	if before != "" {
		if end, err = parseDay(before); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--before: %w", err)
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--before must be after --after")
	}
	return start, end, nil
}

func init() {
	messagesCmd.Flags().StringVar(&messagesAfter, "after", "", "only messages sent at or after this time")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "only messages sent before this time")
	messagesCmd.Flags().BoolVar(&messagesLinks, "links", false, "only messages containing links")
	rootCmd.AddCommand(messagesCmd)
}
