package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/app"
	"veilchat/internal/domain"
	"veilchat/internal/protocol/handshake"
)

// start <peer>: run the key exchange and wait for it to converge.
func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <peer>",
		Short: "Open an encrypted chat with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				done := make(chan domain.HandshakeState, 4)
				s.Chat.OnHandshakeState(func(sc handshake.StateChange) {
					if sc.PeerID != peer {
						return
					}
					select {
					case done <- sc.To:
					default:
					}
				})

				if !waitConnected(ctx, s, connectTimeout) {
					return fmt.Errorf("relay unreachable")
				}
				if err := s.Chat.StartChat(ctx, peer); err != nil {
					return err
				}

				timeout := time.After(30 * time.Second)
				for {
					select {
					case st := <-done:
						switch st {
						case domain.HandshakeComplete:
							fmt.Printf("chat with %s is ready\n", peer)
							return nil
						case domain.HandshakeFailed:
							return fmt.Errorf("key exchange with %s failed", peer)
						}
					case <-timeout:
						return fmt.Errorf("key exchange with %s timed out; the peer may be offline", peer)
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			})
		},
	}
}
