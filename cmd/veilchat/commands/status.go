package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/relay"
)

// status: local account, token and queue state. Works offline.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, token and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, ok, err := wire.Store.LoadCredentials()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("not logged in")
				return nil
			}
			fmt.Printf("user:    %s\n", creds.UserID)
			fmt.Printf("device:  %s\n", creds.DeviceID)

			if exp, err := relay.TokenExpiry(creds.AccessToken); err != nil {
				fmt.Printf("token:   unreadable (%v)\n", err)
			} else if time.Now().After(exp) {
				fmt.Printf("token:   expired %s\n", exp.Format(time.RFC3339))
			} else {
				fmt.Printf("token:   valid until %s\n", exp.Format(time.RFC3339))
			}

			n, err := wire.Store.CountEntries()
			if err != nil {
				return err
			}
			fmt.Printf("queued:  %d message(s)\n", n)

			keys, err := wire.Store.ListChatKeys()
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Printf("chat:    %-20s %s\n", k.PeerID, k.State)
			}
			return nil
		},
	}
}
