package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/app"
	"veilchat/internal/domain"
)

// send <peer> <message>: encrypt and send, or queue when offline.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, text := args[0], []byte(args[1])
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				online := waitConnected(ctx, s, connectTimeout)

				msg, evicted, err := s.Chat.Send(ctx, peer, text)
				if err != nil {
					return err
				}
				if evicted {
					fmt.Println("warning: queue was full, the oldest queued message was dropped")
				}
				if !msg.Pending {
					fmt.Printf("sent %s\n", msg.ID)
					return nil
				}

				if !online {
					fmt.Printf("queued %s (offline)\n", msg.ID)
					return nil
				}
				// Connected but no chat key yet: the implicit key
				// exchange is running, give the drain a moment.
				deadline := time.After(30 * time.Second)
				tick := time.NewTicker(100 * time.Millisecond)
				defer tick.Stop()
				for {
					select {
					case <-tick.C:
						m, ok, err := wire.Store.LoadMessage(msg.ID)
						if err != nil {
							return err
						}
						if ok && !m.Pending && m.Status != domain.StatusSending {
							fmt.Printf("sent %s\n", msg.ID)
							return nil
						}
					case <-deadline:
						fmt.Printf("queued %s (peer not ready, will retry on next connect)\n", msg.ID)
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			})
		},
	}
}
