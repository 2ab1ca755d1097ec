package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.chatrelay",
			LogLevel: "info",
		},
		Assistant: AssistantConfig{
			Name: "Andy",
		},
		Attachments: AttachmentsConfig{
			MaxBytes: 50 << 20,
		},
		Transcription: TranscriptionConfig{
			Enabled:        false,
			Model:          "whisper-1",
			TimeoutSeconds: 60,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Headless:       true,
				PollIntervalMs: 1000,
			},
		},
		Engine: EngineConfig{
			Mode: "none",
		},
		Server: ServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8787,
		},
		Reconnect: ReconnectConfig{
			InitialSeconds: 2,
			MaxSeconds:     300,
		},
	}
}
