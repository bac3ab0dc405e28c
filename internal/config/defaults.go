package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:    "info",
			DisplayName: "anonymous",
		},
		Chat: ChatConfig{
			CacheCapacity:    100,
			PageSize:         50,
			MaxContentLength: 2000,
		},
		RateLimit: RateLimitConfig{
			MaxMessagesPerMinute: 30,
			WindowSeconds:        60,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelayMs: 1000,
			MaxDelayMs:     10000,
			JitterMs:       1000,
		},
		Dedup: DedupConfig{
			WindowMs: 100,
		},
		Typing: TypingConfig{
			TimeoutMs: 3000,
		},
		Realtime: RealtimeConfig{
			ResubscribeAttempts: 3,
			BufferSize:          64,
		},
		Store: StoreConfig{
			DBPath: "~/.eventchat/eventchat.db",
		},
		Gateway: GatewayConfig{
			Enabled:         true,
			Host:            "127.0.0.1",
			Port:            8090,
			Path:            "/ws",
			FramesPerSecond: 20,
			Burst:           40,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
