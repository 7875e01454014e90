package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/chatrack/chatrack/internal/config"
	"github.com/chatrack/chatrack/internal/contacts"
	"github.com/chatrack/chatrack/internal/query"
	"github.com/chatrack/chatrack/internal/spotify"
	"github.com/chatrack/chatrack/internal/store"
)

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatrack",
	Short: "Chat music tracker",
	Long: `chatrack indexes the music links shared in your chats and turns
them into playlists.

It maintains a searchable full-text index over a read-only copy of the
chat database, extracts and classifies streaming links from message
bodies, and applies deduplicated track sets to playlists on the
streaming service.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Version needs no config.
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile, homeDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}

		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the engine-owned index database.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	return s, nil
}

// newEngine builds a query engine over the index store, with contact
// resolution when a contacts database is configured.
func newEngine(s *store.Store) *query.Engine {
	var resolver contacts.Resolver
	if cfg.Source.ContactsDBPath != "" {
		r, err := contacts.OpenDirectory(cfg.Source.ContactsDBPath)
		if err != nil {
			logger.Warn("contacts database unavailable, showing raw handles",
				"path", cfg.Source.ContactsDBPath, "error", err)
		} else {
			resolver = r
		}
	}
	return query.NewEngine(s, cfg.Source.ChatDBPath, resolver).WithLogger(logger)
}

// spotifyClient builds the remote playlist client from the access token
// in the environment. Token acquisition (the OAuth flow) lives outside
// this tool.
func spotifyClient() (*spotify.Client, error) {
	token := os.Getenv("SPOTIFY_ACCESS_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("SPOTIFY_ACCESS_TOKEN not set\n\nExport a user-authorized access token with playlist scopes:\n  export SPOTIFY_ACCESS_TOKEN=...")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return spotify.NewClient(ts,
		spotify.WithLogger(logger),
		spotify.WithRateLimiter(spotify.NewRateLimiter(cfg.Spotify.RateLimitQPS)),
		spotify.WithMarket(cfg.Spotify.Market),
	), nil
}

// parseDay parses a date flag as either 2006-01-02 or RFC 3339.
func parseDay(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want 2006-01-02 or RFC 3339)", value)
	}
	return t, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.chatrack/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides CHATRACK_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
