package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/engine"
	"chatrelay/internal/server"
	"chatrelay/internal/store"

	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the relay (all enabled channels + engine)",
		Long:  "Connects every enabled channel, forwards registered conversations to the engine and serves the status API. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

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

	// Message bus (closed during graceful shutdown below)
	messageBus := bus.New(256, logger)
	notices := bus.NewNotices(logger)

	collab, err := collaborators(cfg, st, messageBus, notices)
	if err != nil {
		return err
	}
	router, err := buildRouter(cfg, collab, notices, "")
	if err != nil {
		return err
	}
	if len(router.Channels()) == 0 {
		return fmt.Errorf("no channels enabled; run 'chatrelay config set channels.<name>.enabled true'")
	}

	eng, err := engine.New(engine.Config{
		Mode:    cfg.Engine.Mode,
		Command: cfg.Engine.Command,
		Args:    cfg.Engine.Args,
		Dir:     cfg.Engine.Dir,
		Token:   cfg.Engine.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	coordinator := dispatch.NewCoordinator(dispatch.CoordinatorConfig{
		Source:        messageBus,
		Store:         st,
		Engine:        eng,
		Router:        router,
		Notices:       notices,
		AssistantName: cfg.Assistant.Name,
		Logger:        logger,
	})
	eng.Attach(coordinator)

	supervisor := channel.NewSupervisor(channel.SupervisorConfig{
		Router:       router,
		InitialDelay: time.Duration(cfg.Reconnect.InitialSeconds) * time.Second,
		MaxDelay:     time.Duration(cfg.Reconnect.MaxSeconds) * time.Second,
		Logger:       logger,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("component stopped with error", "component", name, "err", err)
			}
		}()
	}

	run("engine", eng.Run)
	run("supervisor", func(ctx context.Context) error { supervisor.Run(ctx); return nil })

	// The coordinator drains the bus after ctx ends, so it is not tied to wg.
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		coordinator.Run(context.WithoutCancel(ctx))
	}()

	if cfg.Server.Enabled {
		var engineHandler http.Handler
		if ws, ok := eng.(*engine.WebSocket); ok {
			engineHandler = ws
		}
		srv := server.New(server.Config{
			Host:     cfg.Server.Host,
			Port:     cfg.Server.Port,
			Token:    cfg.Server.Token,
			Chats:    st,
			Channels: router,
			Outbound: coordinator,
			Notices:  notices,
			Engine:   engineHandler,
			Logger:   logger,
		})
		run("server", srv.Run)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.",
		"channels", len(router.Channels()),
		"engine", cfg.Engine.Mode,
		"version", version,
	)

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 15 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := router.DisconnectAll(); err != nil {
			logger.Warn("disconnect errors", "err", err)
		}
		wg.Wait()
		messageBus.Close()
		<-dispatchDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete", "forwarded", coordinator.Seq())
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
