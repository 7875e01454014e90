package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrack/chatrack/internal/api"
	"github.com/chatrack/chatrack/internal/indexer"
	"github.com/chatrack/chatrack/internal/playlist"
	"github.com/chatrack/chatrack/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run chatrack as a daemon with an HTTP API",
	Long: `Run chatrack as a long-running daemon.

The daemon serves the HTTP API on the configured port and, when
[index] schedule is set, re-indexes the chat database on that cron
schedule.

Configure in config.toml:
  [index]
  schedule = "*/30 * * * *"   # re-index every 30 minutes

  [server]
  api_port = 8765
  api_key = "..."             # required when binding beyond loopback

Playlist builds over the API need SPOTIFY_ACCESS_TOKEN in the daemon's
environment; without it the build endpoint returns 503.

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work.
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	engine := newEngine(s)

	sched := scheduler.New(indexer.New(s).WithLogger(logger), cfg.Source.ChatDBPath).
		WithLogger(logger)
	if err := sched.Start(cfg.Index.Schedule); err != nil {
		return err
	}
	defer sched.Stop()

	// The builder is wired only when a token is available. The API
	// degrades gracefully without one.
	var builder api.PlaylistBuilder
	if os.Getenv("SPOTIFY_ACCESS_TOKEN") != "" {
		client, err := spotifyClient()
		if err != nil {
			return err
		}
		builder = playlist.NewBuilder(engine, s, client,
			playlist.WithLogger(logger),
			playlist.WithCacheTTL(time.Duration(cfg.CacheTTLDays())*24*time.Hour),
		)
	} else {
		logger.Warn("SPOTIFY_ACCESS_TOKEN not set, playlist builds disabled")
	}

	server := api.NewServer(cfg, engine, s, sched, builder, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	fmt.Println("chatrack daemon started")
	fmt.Printf("  API server: http://%s\n",
		net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Index:      %s\n", cfg.IndexPath())
	if cfg.Index.Schedule != "" {
		if st := sched.Status(); !st.NextRun.IsZero() {
			fmt.Printf("  Next sync:  %s\n", st.NextRun.Local().Format("2006-01-02 15:04:05"))
		}
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	select {
	case <-cmd.Context().Done():
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	return nil
}
