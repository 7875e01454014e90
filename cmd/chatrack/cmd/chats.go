package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatrack/chatrack/internal/query"
)

var chatsSortBy string

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats with message counts",
	Long: `List indexed chats with their aggregates.

Counts are recomputed from the index on every call, so they always
reflect the current state. Sort by last_message (default),
message_count, or name.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		chats, err := newEngine(s).ListChats(cmd.Context(), query.ChatSort(chatsSortBy))
		if err != nil {
			return fmt.Errorf("list chats: %w", err)
		}

		printChats(chats)
		return nil
	},
}

func printChats(chats []query.ChatSummary) {
	if len(chats) == 0 {
		fmt.Println("No chats indexed. Run 'chatrack index' first.")
		return
	}

	fmt.Printf("%-8s %-8s %-6s %-12s %s\n", "ID", "MSGS", "MINE", "LAST", "CHAT")
	for _, c := range chats {
		last := ""
		if !c.LastMessageAt.IsZero() {
			last = c.LastMessageAt.Local().Format("2006-01-02")
		}
		name := c.Name
		if len(c.Participants) > 0 {
			name = fmt.Sprintf("%s (%s)", name, strings.Join(c.Participants, ", "))
		}
		fmt.Printf("%-8d %-8d %-6d %-12s %s\n",
			c.ChatRowID, c.MessageCount, c.OwnMessageCount, last, name)
	}
	fmt.Printf("\n%d chat(s)\n", len(chats))
}

func init() {
	chatsCmd.Flags().StringVar(&chatsSortBy, "sort", string(query.SortByLastMessage),
		"sort order: last_message, message_count or name")
	rootCmd.AddCommand(chatsCmd)
}
