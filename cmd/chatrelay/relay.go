package main

import (
	"fmt"
	"time"

	"chatrelay/internal/attachment"
	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/store"
	"chatrelay/internal/transcribe"
	"chatrelay/internal/trigger"
)

// collaborators builds the shared dependencies every adapter receives.
func collaborators(cfg *config.Config, st *store.SQLiteStore, pub bus.Publisher, notices *bus.Notices) (channel.Collaborators, error) {
	trig, err := trigger.New(cfg.Assistant.Name, cfg.Assistant.TriggerPattern)
	if err != nil {
		return channel.Collaborators{}, fmt.Errorf("trigger: %w", err)
	}
	fetcher, err := attachment.NewFetcher(attachment.FetcherConfig{
		Root:     cfg.Attachments.Root,
		MaxBytes: cfg.Attachments.MaxBytes,
		Logger:   logger,
	})
	if err != nil {
		return channel.Collaborators{}, fmt.Errorf("attachments: %w", err)
	}
	transcriber := transcribe.New(transcribe.Config{
		Enabled:  cfg.Transcription.Enabled,
		APIBase:  cfg.Transcription.APIBase,
		APIKey:   cfg.Transcription.APIKey,
		Model:    cfg.Transcription.Model,
		Language: cfg.Transcription.Language,
		Timeout:  time.Duration(cfg.Transcription.TimeoutSeconds) * time.Second,
		Logger:   logger,
	})
	if transcriber == nil {
		logger.Info("voice transcription disabled")
	}
	return channel.Collaborators{
		Publisher:   pub,
		Registry:    st,
		Sessions:    st,
		Fetcher:     fetcher,
		Transcriber: transcriber,
		Trigger:     trig,
		Notices:     notices,
		Logger:      logger,
	}, nil
}

// buildRouter registers every enabled adapter. only, when non-empty, limits
// the router to the adapter owning that prefix.
func buildRouter(cfg *config.Config, c channel.Collaborators, notices *bus.Notices, only string) (*channel.Router, error) {
	router := channel.NewRouter(channel.RouterConfig{Notices: notices, Logger: logger})
	add := func(enabled bool, prefix string, build func() error) error {
		if !enabled || (only != "" && only != prefix) {
			return nil
		}
		return build()
	}

	chs := cfg.Channels
	if err := add(chs.Telegram.Enabled, "tg", func() error {
		return router.Register(channel.NewTelegram(channel.TelegramConfig{Token: chs.Telegram.Token, Collaborators: c}))
	}); err != nil {
		return nil, err
	}
	if err := add(chs.WhatsApp.Enabled, "wa", func() error {
		return router.Register(channel.NewWhatsApp(channel.WhatsAppConfig{
			ProfileDir:    chs.WhatsApp.ProfileDir,
			Headless:      chs.WhatsApp.Headless,
			PollInterval:  time.Duration(chs.WhatsApp.PollIntervalMs) * time.Millisecond,
			Collaborators: c,
		}))
	}); err != nil {
		return nil, err
	}
	if err := add(chs.Discord.Enabled, "dc", func() error {
		return router.Register(channel.NewDiscord(channel.DiscordConfig{Token: chs.Discord.Token, Collaborators: c}))
	}); err != nil {
		return nil, err
	}
	if err := add(chs.Slack.Enabled, "slack", func() error {
		return router.Register(channel.NewSlack(channel.SlackConfig{
			BotToken:      chs.Slack.BotToken,
			AppToken:      chs.Slack.AppToken,
			Collaborators: c,
		}))
	}); err != nil {
		return nil, err
	}
	return router, nil
}
