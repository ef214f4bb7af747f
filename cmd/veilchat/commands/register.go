package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <username> <password>",
		Short: "Create an account on the relay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			creds, err := wire.Relay.Register(cmd.Context(), args[0], args[1], deviceID())
			if err != nil {
				return err
			}
			if err := wire.SaveCredentials(creds); err != nil {
				return err
			}
			fmt.Printf("registered as %s (device %s)\n", creds.UserID, creds.DeviceID)
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "Authenticate an existing account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePassphrase(); err != nil {
				return err
			}
			creds, err := wire.Relay.Login(cmd.Context(), args[0], args[1], deviceID())
			if err != nil {
				return err
			}
			if err := wire.SaveCredentials(creds); err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", creds.UserID)
			return nil
		},
	}
}

// deviceID reuses the stored device identifier so re-login does not
// register the client as a new device.
func deviceID() string {
	if creds, ok, err := wire.Store.LoadCredentials(); err == nil && ok && creds.DeviceID != "" {
		return creds.DeviceID
	}
	return uuid.NewString()
}
