package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatrelay.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Assistant     AssistantConfig     `json:"assistant"`
	Attachments   AttachmentsConfig   `json:"attachments"`
	Transcription TranscriptionConfig `json:"transcription"`
	Store         StoreConfig         `json:"store"`
	Channels      ChannelsConfig      `json:"channels"`
	Engine        EngineConfig        `json:"engine"`
	Server        ServerConfig        `json:"server"`
	Reconnect     ReconnectConfig     `json:"reconnect"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type AssistantConfig struct {
	Name string `json:"name"`
	// TriggerPattern overrides the default (?i)^@<name>\b.
	TriggerPattern string `json:"triggerPattern,omitempty"`
}

type AttachmentsConfig struct {
	Root     string `json:"root"`
	MaxBytes int64  `json:"maxBytes"`
}

type TranscriptionConfig struct {
	Enabled        bool   `json:"enabled"`
	APIKey         string `json:"apiKey,omitempty"`
	APIBase        string `json:"apiBase,omitempty"` // OpenAI-compatible endpoint, e.g. Groq
	Model          string `json:"model"`
	Language       string `json:"language,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type WhatsAppConfig struct {
	Enabled        bool   `json:"enabled"`
	ProfileDir     string `json:"profileDir"`
	Headless       bool   `json:"headless"`
	PollIntervalMs int    `json:"pollIntervalMs"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

// EngineConfig selects how canonical messages reach the assistant engine.
type EngineConfig struct {
	Mode    string   `json:"mode"` // "process" | "websocket" | "none"
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Token   string   `json:"token,omitempty"` // websocket mode bearer token
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"` // bearer token for POST /send
}

type ReconnectConfig struct {
	InitialSeconds int `json:"initialSeconds"`
	MaxSeconds     int `json:"maxSeconds"`
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = decodeYAML(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.resolvePaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// resolvePaths expands ~/ and fills paths left empty from general.dataDir.
func (c *Config) resolvePaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	if c.Store.DBPath == "" {
		c.Store.DBPath = filepath.Join(c.General.DataDir, "chatrelay.db")
	}
	if c.Attachments.Root == "" {
		c.Attachments.Root = filepath.Join(c.General.DataDir, "groups")
	}
	if c.Channels.WhatsApp.ProfileDir == "" {
		c.Channels.WhatsApp.ProfileDir = filepath.Join(c.General.DataDir, "whatsapp-profile")
	}
	c.Store.DBPath = ExpandPath(c.Store.DBPath)
	c.Attachments.Root = ExpandPath(c.Attachments.Root)
	c.Channels.WhatsApp.ProfileDir = ExpandPath(c.Channels.WhatsApp.ProfileDir)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decodeYAML reads YAML through a generic map so the json tags stay the
// single source of key names.
func decodeYAML(data []byte, cfg *Config) error {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	j, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(j, cfg)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
// The file is created 0600 since it usually holds tokens.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config as yaml: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(cfg.Assistant.Name) == "" {
		errs = append(errs, "assistant.name is required")
	}
	if cfg.Assistant.TriggerPattern != "" {
		if _, err := regexp.Compile(cfg.Assistant.TriggerPattern); err != nil {
			errs = append(errs, fmt.Sprintf("assistant.triggerPattern is not a valid regexp: %v", err))
		}
	}

	if cfg.Attachments.MaxBytes < 0 {
		errs = append(errs, "attachments.maxBytes must be >= 0")
	}
	if cfg.Transcription.Enabled && cfg.Transcription.TimeoutSeconds < 1 {
		errs = append(errs, "transcription.timeoutSeconds must be >= 1")
	}

	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.PollIntervalMs < 100 {
		errs = append(errs, "channels.whatsapp.pollIntervalMs must be >= 100")
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.AppToken == "" {
		errs = append(errs, "channels.slack.appToken is required for Socket Mode")
	}

	switch cfg.Engine.Mode {
	case "none", "websocket":
		// valid
	case "process":
		if cfg.Engine.Command == "" {
			errs = append(errs, "engine.command is required when engine.mode is process")
		}
	default:
		errs = append(errs, "engine.mode must be one of: process, websocket, none")
	}
	if cfg.Engine.Mode == "websocket" {
		if !cfg.Server.Enabled {
			errs = append(errs, "engine.mode websocket requires server.enabled")
		}
		if cfg.Engine.Token == "" {
			errs = append(errs, "engine.token is required when engine.mode is websocket")
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.Enabled && cfg.Server.Token == "" && !isLoopback(cfg.Server.Host) {
		errs = append(errs, "server.token is required when server.host is not a loopback address")
	}

	if cfg.Reconnect.InitialSeconds < 1 {
		errs = append(errs, "reconnect.initialSeconds must be >= 1")
	}
	if cfg.Reconnect.MaxSeconds < cfg.Reconnect.InitialSeconds {
		errs = append(errs, "reconnect.maxSeconds must be >= reconnect.initialSeconds")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// isLoopback reports whether host only accepts local connections. An empty
// host binds to 127.0.0.1.
func isLoopback(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
