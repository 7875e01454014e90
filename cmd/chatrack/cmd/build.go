package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrack/chatrack/internal/playlist"
)

var (
	buildChats       []int64
	buildAfter       string
	buildBefore      string
	buildPlaylistID  string
	buildName        string
	buildDescription string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a playlist from the links shared in chats",
	Long: `Collect the track links shared in the given chats and apply them to
a playlist, skipping tracks the playlist already has.

Exactly one of --playlist (apply to an existing playlist) or --name
(create a new private playlist) must be given. Track metadata is cached
locally, so rebuilding a window you have built before makes few remote
calls.

Requires a user-authorized access token in SPOTIFY_ACCESS_TOKEN.

Examples:
  chatrack build --chat 3 --name "Road Trip 2024"
  chatrack build --chat 3 --chat 7 --after 2024-01-01 --playlist 37i9dQ...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := parseRangeFlags(buildAfter, buildBefore)
		if err != nil {
			return err
		}

		client, err := spotifyClient()
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		builder := playlist.NewBuilder(newEngine(s), s, client,
			playlist.WithLogger(logger),
			playlist.WithCacheTTL(time.Duration(cfg.CacheTTLDays())*24*time.Hour),
		)

		events := builder.Build(cmd.Context(), playlist.Request{
			ChatIDs:     buildChats,
			Start:       start,
			End:         end,
			PlaylistID:  buildPlaylistID,
			NewName:     buildName,
			Description: buildDescription,
		})

		result, err := renderBuild(events)
		if err != nil {
			if cmd.Context().Err() != nil {
				fmt.Println("\nBuild cancelled.")
			}
			return err
		}
		printBuildResult(result)
		if result.Status == "error" {
			return fmt.Errorf("build failed: no tracks could be added")
		}
		return nil
	},
}

// renderBuild drains the event stream, rendering progress as it goes.
// Returns the terminal result, or the run-fatal error.
func renderBuild(events <-chan playlist.Event) (*playlist.ApplyResult, error) {
	var (
		result   *playlist.ApplyResult
		fatalErr error
		stage    playlist.Stage
	)
	for ev := range events {
		if ev.Err != nil {
			fatalErr = ev.Err
			continue
		}
		if ev.Stage != stage {
			stage = ev.Stage
			if ev.Message != "" {
				fmt.Printf("[%3d%%] %s\n", ev.Percent, ev.Message)
			}
		} else if ev.Total > 0 {
			fmt.Printf("[%3d%%] %s (%d/%d)\n", ev.Percent, ev.Message, ev.Current, ev.Total)
		}
		if ev.Result != nil {
			result = ev.Result
		}
	}
	if fatalErr != nil {
		return nil, fatalErr
	}
	if result == nil {
		return nil, fmt.Errorf("build ended without a result")
	}
	return result, nil
}

func printBuildResult(r *playlist.ApplyResult) {
	fmt.Println()
	if r.PlaylistName != "" {
		fmt.Printf("Playlist: %s (%s)\n", r.PlaylistName, r.PlaylistID)
	} else {
		fmt.Printf("Playlist: %s\n", r.PlaylistID)
	}
	fmt.Printf("  Candidates: %d\n", r.Candidates)
	fmt.Printf("  Added:      %d\n", r.Added)
	fmt.Printf("  Duplicates: %d\n", r.Duplicates)
	if r.Errors > 0 {
		fmt.Printf("  Errors:     %d\n", r.Errors)
		for _, t := range r.Tracks {
			if t.Status == playlist.StatusError {
				fmt.Printf("    %s: %s\n", t.URL, t.Error)
			}
		}
	}
	if len(r.NonTrack) > 0 {
		fmt.Printf("  Skipped %d non-track link(s):\n", len(r.NonTrack))
		for _, l := range r.NonTrack {
			fmt.Printf("    [%s] %s\n", l.Display, l.URL)
		}
	}
	if len(r.OtherService) > 0 {
		fmt.Printf("  Skipped %d link(s) to other services:\n", len(r.OtherService))
		for _, l := range r.OtherService {
			fmt.Printf("    [%s] %s\n", l.Service, l.URL)
		}
	}
	fmt.Printf("  Status:     %s\n", r.Status)
}

func init() {
	buildCmd.Flags().Int64SliceVar(&buildChats, "chat", nil, "chat id to collect links from (repeatable)")
	buildCmd.Flags().StringVar(&buildAfter, "after", "", "only links sent at or after this time")
	buildCmd.Flags().StringVar(&buildBefore, "before", "", "only links sent before this time")
	buildCmd.Flags().StringVar(&buildPlaylistID, "playlist", "", "apply to this existing playlist")
	buildCmd.Flags().StringVar(&buildName, "name", "", "create a new private playlist with this name")
	buildCmd.Flags().StringVar(&buildDescription, "description", "", "description for a newly created playlist")
	_ = buildCmd.MarkFlagRequired("chat")
	buildCmd.MarkFlagsMutuallyExclusive("playlist", "name")
	rootCmd.AddCommand(buildCmd)
}
