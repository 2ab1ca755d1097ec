package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/channel"
	"chatrelay/internal/store"

	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [platform]",
		Short: "Pair a browser-driven platform (whatsapp)",
		Long: `Opens a visible Chrome window on WhatsApp Web. Scan the QR code with your
phone; once paired the session is saved and the gateway restores it headless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "whatsapp" {
				return fmt.Errorf("login is only needed for whatsapp; %s uses a token from the config", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("message store: %w", err)
			}
			defer st.Close()

			fmt.Println("Scan the QR code in the browser window with WhatsApp on your phone...")
			err = channel.LoginWhatsApp(ctx, channel.WhatsAppConfig{
				ProfileDir:    cfg.Channels.WhatsApp.ProfileDir,
				Collaborators: channel.Collaborators{Sessions: st, Logger: logger},
			})
			if err != nil {
				return err
			}
			fmt.Println("WhatsApp paired. Enable it with: chatrelay config set channels.whatsapp.enabled true")
			return nil
		},
	}
}
