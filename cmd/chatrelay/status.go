package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"chatrelay/internal/channel"
	"chatrelay/internal/config"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show channel status from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Config:  %s\n", resolveConfigPath())
			fmt.Printf("Engine:  %s\n", cfg.Engine.Mode)
			if !cfg.Server.Enabled {
				fmt.Println("Gateway: status server disabled (server.enabled=false)")
				printConfiguredChannels(cfg)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			statuses, err := fetchStatus(ctx, cfg)
			if err != nil {
				fmt.Printf("Gateway: not reachable (%v)\n", err)
				printConfiguredChannels(cfg)
				return nil
			}
			fmt.Println("Gateway: running")
			for _, st := range statuses {
				state := "disconnected"
				if st.Connected {
					state = "connected"
				}
				fmt.Printf("  %-10s %-6s %s\n", st.Name, st.Prefix, state)
			}
			return nil
		},
	}
}

func fetchStatus(ctx context.Context, cfg *config.Config) ([]channel.ChannelStatus, error) {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/channels"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status server returned %s", resp.Status)
	}
	var out []channel.ChannelStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

func printConfiguredChannels(cfg *config.Config) {
	for _, p := range cfg.Channels.Platforms() {
		state := "disabled"
		if p.Enabled {
			state = "enabled"
		}
		fmt.Printf("  %-10s %-6s %s\n", p.Name, p.Prefix, state)
	}
}
