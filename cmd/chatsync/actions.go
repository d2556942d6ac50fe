package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var (
	reactUnique bool
	reactScore  int
)

func init() {
	reactCmd.Flags().BoolVar(&reactUnique, "unique", false, "Replace your other reactions on the message")
	reactCmd.Flags().IntVar(&reactScore, "score", 1, "Reaction score")
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(reactCmd)
}

// ensureChannel makes sure cid is cached, fetching and watching it if not.
func ensureChannel(ctx context.Context, s *session, cid string) error {
	_, err := s.engine.Channel(ctx, cid)
	if errors.Is(err, chatsync.ErrChannelNotFound) {
		_, err = s.engine.Watch(ctx, cid)
	}
	return err
}

var readCmd = &cobra.Command{
	Use:   "read <cid>",
	Short: "Mark a channel read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid := args[0]
		if _, _, err := chatsync.SplitCID(cid); err != nil {
			return err
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ensureChannel(ctx, s, cid); err != nil {
			return err
		}
		if err := s.engine.MarkRead(ctx, cid); err != nil {
			return err
		}
		fmt.Printf("Marked %s read\n", cid)
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <cid> <message-id> <type>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, messageID, reactionType := args[0], args[1], args[2]
		if _, _, err := chatsync.SplitCID(cid); err != nil {
			return err
		}
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ensureChannel(ctx, s, cid); err != nil {
			return err
		}
		r, err := s.engine.SendReaction(ctx, chatsync.Reaction{
			MessageID: messageID,
			Type:      reactionType,
			Score:     reactScore,
		}, reactUnique)
		if err != nil {
			return err
		}
		fmt.Printf("Reacted %s to %s\n", r.Type, r.MessageID)
		return nil
	},
}
