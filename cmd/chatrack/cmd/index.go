package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrack/chatrack/internal/chatdb"
	"github.com/chatrack/chatrack/internal/indexer"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Sync the message index from the chat database",
	Long: `Incrementally index new messages from the chat database.

The chat database is opened read-only and never modified. Messages
already indexed are skipped; if the database fingerprint has changed
(for example after restoring a different backup), the index is rebuilt
from scratch. Cached link metadata survives rebuilds.

Examples:
  chatrack index
  chatrack index --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		source, err := chatdb.Open(cfg.Source.ChatDBPath)
		if err != nil {
			return fmt.Errorf("open chat database: %w", err)
		}
		defer source.Close()

		ix := indexer.New(s).WithLogger(logger)
		result, err := ix.Sync(cmd.Context(), source, NewCLIProgress())
		if err != nil {
			if cmd.Context().Err() != nil {
				fmt.Println("\nIndexing interrupted. Run again to resume.")
				return nil
			}
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Println("Index up to date.")
		if result.Rebuilt {
			fmt.Println("  Source changed; index was rebuilt from scratch.")
		}
		fmt.Printf("  Added:    %d\n", result.EntriesAdded)
		if result.EntriesEmpty > 0 {
			fmt.Printf("  No text:  %d\n", result.EntriesEmpty)
		}
		fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
