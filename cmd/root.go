package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openvine/feedcore/internal/application"
	"github.com/openvine/feedcore/internal/config"
	"github.com/openvine/feedcore/internal/feed"
	"github.com/openvine/feedcore/internal/logger"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for the feedcore client
var rootCmd = &cobra.Command{
	Use:   "feedcore",
	Short: "feedcore is a Nostr video feed client",
	Long:  `Relay-pooled Nostr client that subscribes to video event feeds with deduplication, priority ordering, and automatic reconnection.`,
	Example: `
  feedcore watch --hashtag comedy --hashtag skate
  feedcore watch --relay wss://relay.openvine.co --log-level debug
  feedcore watch --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("relay") {
			cfg.Relays.URLs, _ = flags.GetStringArray("relay")
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}
		if flags.Changed("archive-url") {
			cfg.Archive.URL, _ = flags.GetString("archive-url")
			cfg.Archive.Enabled = cfg.Archive.URL != ""
		}

		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().StringArray("relay", nil, "Relay URL to connect to (repeatable)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().String("metrics-port", "8181", "Port for Prometheus metrics and health endpoint")
	rootCmd.PersistentFlags().String("archive-url", "", "Postgres URL for the local event archive (enables archiving)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of feedcore",
		Long:  "Print the version number of feedcore along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	})
	versionCmd := rootCmd.Commands()[len(rootCmd.Commands())-1]
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to the configured relays and stream the feed",
		Long:  "Connect to the configured relays, subscribe with the given filters, and keep streaming until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					logger.Error("Failed to resolve absolute path for config", zap.Error(err))
					os.Exit(1)
				}
				cfgFile = absPath
				logger.Info("Using config file", zap.String("config_file", cfgFile))
			}

			ctx := cmd.Context()

			logger.Info("Starting feed client...")
			app, err := application.New(ctx, cfg, GetVersion())
			if err != nil {
				logger.Error("Failed to initialize the feed client", zap.Error(err))
				os.Exit(1)
			}

			go func() {
				<-ctx.Done()
				logger.Info("Shutdown signal received, initiating graceful shutdown...")
				app.Shutdown()
			}()

			if err := app.Start(); err != nil {
				logger.Error("Failed to start the feed client", zap.Error(err))
				os.Exit(1)
			}

			params := subscriptionParamsFromFlags(cmd)
			go func() {
				if err := app.WaitUntilReady(ctx); err != nil {
					return
				}
				if err := app.Subscribe(params); err != nil {
					logger.Warn("Initial subscribe failed, retry is scheduled", zap.Error(err))
				}
			}()

			logger.Info("Feed client started successfully!")
		},
	}
	watchCmd.Flags().StringArray("hashtag", nil, "Hashtag to filter on (repeatable)")
	watchCmd.Flags().StringArray("author", nil, "Author public key to filter on (repeatable)")
	watchCmd.Flags().String("group", "", "Group identifier to filter on")
	watchCmd.Flags().Int("limit", 0, "Maximum events per relay query")
	watchCmd.Flags().Bool("include-video", false, "Include long-form video events")

	rootCmd.AddCommand(watchCmd)
}

func subscriptionParamsFromFlags(cmd *cobra.Command) feed.SubscriptionParameters {
	hashtags, _ := cmd.Flags().GetStringArray("hashtag")
	authors, _ := cmd.Flags().GetStringArray("author")
	group, _ := cmd.Flags().GetString("group")
	limit, _ := cmd.Flags().GetInt("limit")
	includeVideo, _ := cmd.Flags().GetBool("include-video")

	if limit <= 0 {
		limit = cfg.Feed.DefaultLimit
	}
	return feed.SubscriptionParameters{
		Authors:          authors,
		Hashtags:         hashtags,
		Group:            group,
		Limit:            limit,
		IncludeVideoKind: includeVideo || cfg.Feed.IncludeVideoKind,
	}
}
