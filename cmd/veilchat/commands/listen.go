package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/app"
	"veilchat/internal/domain"
)

// listen: stay connected and print incoming messages until interrupted.
func listenCmd() *cobra.Command {
	var markRead bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				s.Chat.OnMessage(func(m domain.ChatMessage) {
					ts := time.Unix(m.CreatedAt, 0).Format("15:04:05")
					if m.Undecryptable {
						fmt.Printf("[%s] %s: <message could not be decrypted>\n", ts, m.SenderID)
						return
					}
					fmt.Printf("[%s] %s: %s\n", ts, m.SenderID, m.Plaintext)
					if markRead {
						if err := s.Chat.MarkRead(ctx, m.SenderID, m.ID); err != nil {
							fmt.Printf("mark read %s: %v\n", m.ID, err)
						}
					}
				})

				if !waitConnected(ctx, s, connectTimeout) {
					fmt.Println("relay unreachable, retrying in the background...")
				} else {
					fmt.Printf("listening as %s\n", s.UserID)
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "send read receipts for printed messages")
	return cmd
}
