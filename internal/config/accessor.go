package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// setting is one key the `config` command may read or write. ref returns a
// pointer into cfg (*string, *bool, *int, *int64 or *[]string) so values
// keep their Go type; check, when set, vets a new value before it is stored.
type setting struct {
	path   string
	ref    func(cfg *Config) any
	secret bool
	isPath bool // filesystem path, "~/" expanded on set
	check  func(v string) error
}

func oneOf(values ...string) func(string) error {
	return func(v string) error {
		for _, ok := range values {
			if v == ok {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s", strings.Join(values, ", "))
	}
}

func tokenPrefix(prefix string) func(string) error {
	return func(v string) error {
		if v != "" && !strings.HasPrefix(v, prefix) && !strings.HasPrefix(v, "${") {
			return fmt.Errorf("expected a %s... token", prefix)
		}
		return nil
	}
}

func telegramToken(v string) error {
	if v == "" || strings.HasPrefix(v, "${") {
		return nil
	}
	id, secret, ok := strings.Cut(v, ":")
	if _, err := strconv.ParseInt(id, 10, 64); !ok || err != nil || secret == "" {
		return fmt.Errorf("expected <bot id>:<secret> from @BotFather")
	}
	return nil
}

var settings = []setting{
	{path: "general.dataDir", ref: func(c *Config) any { return &c.General.DataDir }, isPath: true},
	{path: "general.logLevel", ref: func(c *Config) any { return &c.General.LogLevel }, check: oneOf("debug", "info", "warn", "error")},
	{path: "general.logFile", ref: func(c *Config) any { return &c.General.LogFile }, isPath: true},

	{path: "assistant.name", ref: func(c *Config) any { return &c.Assistant.Name }},
	{path: "assistant.triggerPattern", ref: func(c *Config) any { return &c.Assistant.TriggerPattern }},

	{path: "attachments.root", ref: func(c *Config) any { return &c.Attachments.Root }, isPath: true},
	{path: "attachments.maxBytes", ref: func(c *Config) any { return &c.Attachments.MaxBytes }},

	{path: "transcription.enabled", ref: func(c *Config) any { return &c.Transcription.Enabled }},
	{path: "transcription.apiKey", ref: func(c *Config) any { return &c.Transcription.APIKey }, secret: true},
	{path: "transcription.apiBase", ref: func(c *Config) any { return &c.Transcription.APIBase }},
	{path: "transcription.model", ref: func(c *Config) any { return &c.Transcription.Model }},
	{path: "transcription.language", ref: func(c *Config) any { return &c.Transcription.Language }},
	{path: "transcription.timeoutSeconds", ref: func(c *Config) any { return &c.Transcription.TimeoutSeconds }},

	{path: "store.dbPath", ref: func(c *Config) any { return &c.Store.DBPath }, isPath: true},

	{path: "channels.telegram.enabled", ref: func(c *Config) any { return &c.Channels.Telegram.Enabled }},
	{path: "channels.telegram.token", ref: func(c *Config) any { return &c.Channels.Telegram.Token }, secret: true, check: telegramToken},
	{path: "channels.whatsapp.enabled", ref: func(c *Config) any { return &c.Channels.WhatsApp.Enabled }},
	{path: "channels.whatsapp.profileDir", ref: func(c *Config) any { return &c.Channels.WhatsApp.ProfileDir }, isPath: true},
	{path: "channels.whatsapp.headless", ref: func(c *Config) any { return &c.Channels.WhatsApp.Headless }},
	{path: "channels.whatsapp.pollIntervalMs", ref: func(c *Config) any { return &c.Channels.WhatsApp.PollIntervalMs }},
	{path: "channels.discord.enabled", ref: func(c *Config) any { return &c.Channels.Discord.Enabled }},
	{path: "channels.discord.token", ref: func(c *Config) any { return &c.Channels.Discord.Token }, secret: true},
	{path: "channels.slack.enabled", ref: func(c *Config) any { return &c.Channels.Slack.Enabled }},
	{path: "channels.slack.botToken", ref: func(c *Config) any { return &c.Channels.Slack.BotToken }, secret: true, check: tokenPrefix("xoxb-")},
	{path: "channels.slack.appToken", ref: func(c *Config) any { return &c.Channels.Slack.AppToken }, secret: true, check: tokenPrefix("xapp-")},

	{path: "engine.mode", ref: func(c *Config) any { return &c.Engine.Mode }, check: oneOf("process", "websocket", "none")},
	{path: "engine.command", ref: func(c *Config) any { return &c.Engine.Command }},
	{path: "engine.args", ref: func(c *Config) any { return &c.Engine.Args }},
	{path: "engine.dir", ref: func(c *Config) any { return &c.Engine.Dir }, isPath: true},
	{path: "engine.token", ref: func(c *Config) any { return &c.Engine.Token }, secret: true},

	{path: "server.enabled", ref: func(c *Config) any { return &c.Server.Enabled }},
	{path: "server.host", ref: func(c *Config) any { return &c.Server.Host }},
	{path: "server.port", ref: func(c *Config) any { return &c.Server.Port }},
	{path: "server.token", ref: func(c *Config) any { return &c.Server.Token }, secret: true},

	{path: "reconnect.initialSeconds", ref: func(c *Config) any { return &c.Reconnect.InitialSeconds }},
	{path: "reconnect.maxSeconds", ref: func(c *Config) any { return &c.Reconnect.MaxSeconds }},
}

func lookup(path string) (setting, bool) {
	for _, s := range settings {
		if s.path == path {
			return s, true
		}
	}
	return setting{}, false
}

func value(ref any) any {
	switch p := ref.(type) {
	case *string:
		return *p
	case *bool:
		return *p
	case *int:
		return *p
	case *int64:
		return *p
	case *[]string:
		return append([]string(nil), (*p)...)
	}
	return nil
}

// GetByPath returns the value at a dot path ("engine.mode"). A section path
// ("channels.slack") returns its keys as a map.
func GetByPath(cfg *Config, path string) (any, error) {
	if s, ok := lookup(path); ok {
		return value(s.ref(cfg)), nil
	}
	section := make(map[string]any)
	for _, s := range settings {
		if rest, ok := strings.CutPrefix(s.path, path+"."); ok {
			section[rest] = value(s.ref(cfg))
		}
	}
	if len(section) == 0 {
		return nil, fmt.Errorf("unknown config key %q", path)
	}
	return section, nil
}

// SetByPath parses raw for the key's type and stores it. Unknown keys are
// rejected rather than silently added. attachments.maxBytes accepts sizes
// like "50MB"; engine.args takes a comma-separated list.
func SetByPath(cfg *Config, path, raw string) error {
	s, ok := lookup(path)
	if !ok {
		return fmt.Errorf("unknown config key %q (see 'chatrelay config list')", path)
	}
	if s.check != nil {
		if err := s.check(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	switch p := s.ref(cfg).(type) {
	case *string:
		if s.isPath {
			raw = ExpandPath(raw)
		}
		*p = raw
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: expected true or false", path)
		}
		*p = b
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: expected an integer", path)
		}
		*p = n
	case *int64:
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("%s: expected a size such as 52428800 or 50MB", path)
		}
		*p = int64(n)
	case *[]string:
		var list []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		*p = list
	}
	return nil
}

// Sanitize returns a copy of the config with every token and API key masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	masked.Engine.Args = append([]string(nil), cfg.Engine.Args...)
	for _, s := range settings {
		if !s.secret {
			continue
		}
		if p := s.ref(&masked).(*string); *p != "" {
			*p = maskString(*p)
		}
	}
	return &masked
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every settable key with its current value.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any, len(settings))
	for _, s := range settings {
		out[s.path] = value(s.ref(cfg))
	}
	return out
}

// SortedPaths returns the settable keys in display order.
func SortedPaths() []string {
	paths := make([]string, 0, len(settings))
	for _, s := range settings {
		paths = append(paths, s.path)
	}
	sort.Strings(paths)
	return paths
}

// Platform is the configured state of one chat platform.
type Platform struct {
	Name    string
	Prefix  string
	Enabled bool
	// HasToken reports whether every credential the platform needs is set in
	// config. WhatsApp never has one; it pairs through `login whatsapp`.
	HasToken bool
}

// Platforms lists the four platforms in a fixed order.
func (c ChannelsConfig) Platforms() []Platform {
	return []Platform{
		{Name: "telegram", Prefix: "tg", Enabled: c.Telegram.Enabled, HasToken: c.Telegram.Token != ""},
		{Name: "whatsapp", Prefix: "wa", Enabled: c.WhatsApp.Enabled},
		{Name: "discord", Prefix: "dc", Enabled: c.Discord.Enabled, HasToken: c.Discord.Token != ""},
		{Name: "slack", Prefix: "slack", Enabled: c.Slack.Enabled, HasToken: c.Slack.BotToken != "" && c.Slack.AppToken != ""},
	}
}

// Enabled returns the enabled platforms.
func (c ChannelsConfig) Enabled() []Platform {
	var out []Platform
	for _, p := range c.Platforms() {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// PlatformForPrefix finds the platform that owns a conversation prefix.
func (c ChannelsConfig) PlatformForPrefix(prefix string) (Platform, bool) {
	for _, p := range c.Platforms() {
		if p.Prefix == prefix {
			return p, true
		}
	}
	return Platform{}, false
}
