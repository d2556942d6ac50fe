package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and local cache status",
	Long:  "Display the effective configuration, the token's user and expiry, and what the local cache holds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		dir, err := dataDir(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("  Data dir:    %s\n", dir)
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		if id, err := resolveUserID(cfg); err == nil {
			fmt.Printf("  User ID:     %s\n", id)
		} else {
			fmt.Printf("  User ID:     (unknown: %v)\n", err)
		}
		if exp, ok := tokenExpiry(cfg.Auth.Token); ok {
			if time.Now().Before(exp) {
				fmt.Printf("  Expires:     %s (%s)\n", exp.Format(time.RFC3339), humanize.Time(exp))
			} else {
				fmt.Printf("  Expires:     EXPIRED %s\n", humanize.Time(exp))
			}
		}

		repo, err := openRepository(cfg)
		if err != nil {
			fmt.Printf("\nLocal cache: unavailable (%v)\n", err)
			return nil
		}
		defer repo.Close()

		stats, err := repo.Stats()
		if err != nil {
			return fmt.Errorf("read cache stats: %w", err)
		}
		fmt.Println()
		fmt.Println("Local cache:")
		fmt.Printf("  Channels:    %s\n", humanize.Comma(int64(stats["channels"])))
		fmt.Printf("  Messages:    %s\n", humanize.Comma(int64(stats["messages"])))
		fmt.Printf("  Users:       %s\n", humanize.Comma(int64(stats["users"])))
		fmt.Printf("  Queries:     %s\n", humanize.Comma(int64(stats["queries"])))

		if id, err := resolveUserID(cfg); err == nil {
			state, err := repo.SelectSyncState(context.Background(), id)
			if err == nil && state != nil && state.LastSyncedAt != nil {
				fmt.Printf("  Last sync:   %s (%d watched)\n", humanize.Time(*state.LastSyncedAt), len(state.ActiveChannelIDs))
			}
		}
		return nil
	},
}
