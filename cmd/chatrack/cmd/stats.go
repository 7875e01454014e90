package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Index: %s\n", s.Path())
		fmt.Printf("  Messages:     %d\n", stats.Messages)
		fmt.Printf("  Chats:        %d\n", stats.Chats)
		fmt.Printf("  No text:      %d\n", stats.EmptyBodies)
		fmt.Printf("  Cached links: %d\n", stats.CachedLinks)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
