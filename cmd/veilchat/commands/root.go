package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"veilchat/internal/app"
	"veilchat/internal/transport"
)

var (
	flagHome       string
	flagPassphrase string
	flagRelayURL   string
	flagWSURL      string
	flagDebug      bool

	wire *app.Wire
)

// connectTimeout bounds how long interactive commands wait for the
// transport before giving up (send falls back to the queue instead).
const connectTimeout = 10 * time.Second

func Execute() error {
	root := &cobra.Command{
		Use:           "veilchat",
		Short:         "End-to-end encrypted chat CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if flagHome != "" {
				cfg.Home = flagHome
			}
			if flagPassphrase != "" {
				cfg.Passphrase = flagPassphrase
			}
			if flagRelayURL != "" {
				cfg.RelayURL = flagRelayURL
			}
			if flagWSURL != "" {
				cfg.WSURL = flagWSURL
			}
			if flagDebug {
				cfg.Debug = true
			}

			wire, err = app.NewWire(cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire != nil {
				return wire.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagHome, "home", "", "config dir (default ~/.veilchat)")
	root.PersistentFlags().StringVarP(&flagPassphrase, "passphrase", "p", "", "passphrase protecting the local store")
	root.PersistentFlags().StringVar(&flagRelayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&flagWSURL, "ws", "", "relay websocket URL (e.g. ws://127.0.0.1:8080/ws)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")

	root.AddCommand(registerCmd(), loginCmd(), startCmd(), sendCmd(), listenCmd(), deleteCmd(), statusCmd())
	return root.Execute()
}

// withSession builds the per-user stack, runs the transport manager and
// event loop, and hands control to fn.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *app.Session) error) error {
	s, err := wire.NewSession()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go s.Manager.Run(ctx)
	go s.Chat.Run(ctx)

	return fn(ctx, s)
}

// waitConnected blocks until the manager reports a live connection or
// the timeout passes; the caller decides what offline means.
func waitConnected(ctx context.Context, s *app.Session, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Manager.State() == transport.StateConnected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}

func requirePassphrase() error {
	if wire.Config.Passphrase == "" {
		return fmt.Errorf("passphrase required (-p or VEILCHAT_PASSPHRASE)")
	}
	return nil
}
