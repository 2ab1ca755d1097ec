package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"chatrelay/internal/browser"
	"chatrelay/internal/config"
	"chatrelay/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatrelay installation",
		Long: `Verifies that the configuration, database, channels and engine are
correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatrelay init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			sessions := checkStore(ctx, &r, cfg)

			if err := os.MkdirAll(cfg.Attachments.Root, 0o755); err != nil {
				r.fail("Attachments", fmt.Sprintf("cannot create %s: %v", cfg.Attachments.Root, err))
			} else {
				r.pass("Attachments", cfg.Attachments.Root)
			}

			checkChannels(&r, cfg, sessions)
			checkEngine(&r, cfg)

			if cfg.Server.Enabled {
				if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
					r.warn("Server port", fmt.Sprintf("port %d may be in use (gateway running?): %v", cfg.Server.Port, err))
				} else {
					r.pass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				}
			}

			if cfg.Transcription.Enabled && cfg.Transcription.APIKey == "" {
				r.warn("Transcription", "enabled but no apiKey; voice notes will not be transcribed")
			} else if cfg.Transcription.Enabled {
				r.pass("Transcription", cfg.Transcription.Model)
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

// checkStore opens the store (running migrations) and returns the platforms
// with a saved session.
func checkStore(ctx context.Context, r *report, cfg *config.Config) map[string]bool {
	dbPath := cfg.Store.DBPath
	sessions := map[string]bool{}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		r.fail("Database", fmt.Sprintf("cannot create database directory: %v", err))
		return sessions
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return sessions
	}
	defer st.Close()

	version, err := store.GetSchemaVersion(st.DB())
	if err != nil {
		r.fail("Database", err.Error())
		return sessions
	}
	regs, err := st.RegisteredConversations(ctx)
	if err != nil {
		r.fail("Database", err.Error())
		return sessions
	}
	r.pass("Database", fmt.Sprintf("%s (schema v%d, %d registered)", dbPath, version, len(regs)))
	if len(regs) == 0 {
		r.warn("Registrations", "no conversations registered; nothing will reach the engine")
	}

	for _, p := range cfg.Channels.Platforms() {
		if _, ok, err := st.LoadSession(ctx, p.Name); err == nil && ok {
			sessions[p.Name] = true
		}
	}
	return sessions
}

func checkChannels(r *report, cfg *config.Config, sessions map[string]bool) {
	enabled := cfg.Channels.Enabled()
	if len(enabled) == 0 {
		r.fail("Channels", "no channels enabled")
		return
	}
	for _, p := range enabled {
		name := "Channel: " + p.Name
		if p.Name == "whatsapp" {
			if !sessions[p.Name] {
				r.fail(name, "not paired; run 'chatrelay login whatsapp'")
			} else if _, err := browser.FindChrome(); err != nil {
				r.fail(name, err.Error())
			} else {
				r.pass(name, "paired")
			}
			continue
		}
		switch {
		case p.HasToken:
			r.pass(name, "token configured")
		case sessions[p.Name]:
			r.pass(name, "using saved token")
		default:
			r.fail(name, "enabled but no token configured")
		}
	}
}

func checkEngine(r *report, cfg *config.Config) {
	switch cfg.Engine.Mode {
	case "process":
		if path, err := exec.LookPath(cfg.Engine.Command); err != nil {
			r.fail("Engine", fmt.Sprintf("command %q not found: %v", cfg.Engine.Command, err))
		} else {
			r.pass("Engine", "process "+path)
		}
	case "websocket":
		if cfg.Engine.Token == "" {
			r.warn("Engine", "websocket without token; any local client can attach")
		} else {
			r.pass("Engine", "websocket at /engine/ws")
		}
	default:
		r.warn("Engine", "mode none; messages are stored but nothing answers")
	}
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nchatrelay should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! chatrelay is ready to run.\n")
	}
	return nil
}
