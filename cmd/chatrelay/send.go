package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/domain"
	"chatrelay/internal/store"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [jid] [text...]",
		Short: "Send one message through the owning channel",
		Long:  "Connects only the channel that owns the conversation id, sends the text (chunked to the platform limit) and disconnects.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid := args[0]
			text := strings.Join(args[1:], " ")
			prefix, _, ok := domain.SplitJID(jid)
			if !ok {
				return fmt.Errorf("invalid conversation id %q (want <prefix>:<id>)", jid)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			platform, known := cfg.Channels.PlatformForPrefix(prefix)
			if !known || !platform.Enabled {
				return fmt.Errorf("no enabled channel owns %s: %w", jid, domain.ErrNoChannel)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("message store: %w", err)
			}
			defer st.Close()

			// Inbound traffic seen while connected is recorded as metadata only.
			messageBus := bus.New(64, logger)
			defer messageBus.Close()
			go func() {
				for ev := range messageBus.Subscribe() {
					if ev.Kind == bus.EventChatMetadata {
						st.StoreChatMetadata(context.Background(), ev.Metadata)
					}
				}
			}()

			collab, err := collaborators(cfg, st, messageBus, nil)
			if err != nil {
				return err
			}
			router, err := buildRouter(cfg, collab, nil, prefix)
			if err != nil {
				return err
			}
			if err := router.ConnectAll(ctx); err != nil {
				return err
			}
			defer router.DisconnectAll()

			coordinator := dispatch.NewCoordinator(dispatch.CoordinatorConfig{
				Source:        messageBus,
				Store:         st,
				Router:        router,
				AssistantName: cfg.Assistant.Name,
				Logger:        logger,
			})
			if err := coordinator.Send(ctx, jid, text); err != nil {
				return err
			}
			fmt.Printf("Sent to %s\n", jid)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}
