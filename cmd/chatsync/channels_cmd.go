package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var (
	channelsLimit int
	channelsJSON  bool
)

func init() {
	channelsCmd.Flags().IntVar(&channelsLimit, "limit", 20, "Maximum number of channels to list")
	channelsCmd.Flags().BoolVar(&channelsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(channelsCmd)
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List cached channels",
	Long:  "List the channels in the local cache, most recent activity first. Does not touch the network.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		repo, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		cids, err := repo.AllChannelCIDs()
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		channels, err := repo.SelectChannels(context.Background(), cids)
		if err != nil {
			return fmt.Errorf("load channels: %w", err)
		}
		slices.SortFunc(channels, chatsync.DefaultQuerySort.Comparator())
		if channelsLimit > 0 && len(channels) > channelsLimit {
			channels = channels[:channelsLimit]
		}

		if channelsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(channels)
		}
		if len(channels) == 0 {
			fmt.Println("No cached channels. Run 'chatsync sync' first.")
			return nil
		}
		for _, ch := range channels {
			printChannelLine(ch)
		}
		return nil
	},
}

func printChannelLine(ch chatsync.Channel) {
	name := ch.Name
	if name == "" {
		name = ch.CID
	}
	last := "never"
	if ch.LastMessageAt != nil {
		last = humanize.Time(*ch.LastMessageAt)
	}
	unread := ""
	if ch.UnreadCount > 0 {
		unread = fmt.Sprintf(" [%d unread]", ch.UnreadCount)
	}
	preview := ""
	if ch.LastMessage != nil {
		preview = ch.LastMessage.Text
		if len(preview) > 60 {
			preview = preview[:57] + "..."
		}
		preview = strings.ReplaceAll(preview, "\n", " ")
	}
	fmt.Printf("%-32s %-16s%s\n", name, last, unread)
	if preview != "" {
		fmt.Printf("    %s\n", preview)
	}
}
