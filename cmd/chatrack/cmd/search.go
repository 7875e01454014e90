package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Find chats by name or message text",
	Long: `Find chats whose name or message bodies contain the term.

Name matching is a case-insensitive substring match; body matching uses
the full-text index. The term is treated as literal text, so characters
that look like search operators are safe to pass.

Examples:
  chatrack search "road trip"
  chatrack search banger`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		term := strings.TrimSpace(args[0])
		if term == "" {
			return fmt.Errorf("empty search term")
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		chats, err := newEngine(s).SearchChats(cmd.Context(), term)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if len(chats) == 0 {
			fmt.Printf("No chats match %q.\n", term)
			return nil
		}
		sort.Slice(chats, func(i, j int) bool {
			return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
		})
		printChats(chats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}
