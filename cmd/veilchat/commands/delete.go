package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"veilchat/internal/app"
)

// delete <peer>: purge the conversation locally and notify the peer.
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <peer>",
		Short: "Remove a conversation locally and on the peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				waitConnected(ctx, s, connectTimeout)
				if err := s.Chat.DeleteChat(ctx, peer); err != nil {
					return err
				}
				fmt.Printf("deleted chat with %s\n", peer)
				return nil
			})
		},
	}
}
