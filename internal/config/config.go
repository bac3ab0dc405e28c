package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for eventchat.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Typing    TypingConfig    `json:"typing" yaml:"typing"`
	Realtime  RealtimeConfig  `json:"realtime" yaml:"realtime"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel    string `json:"logLevel" yaml:"logLevel"`
	LogFile     string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	UserID      string `json:"userId" yaml:"userId"`
	DisplayName string `json:"displayName" yaml:"displayName"`
}

type ChatConfig struct {
	CacheCapacity    int `json:"cacheCapacity" yaml:"cacheCapacity"`
	PageSize         int `json:"pageSize" yaml:"pageSize"`
	MaxContentLength int `json:"maxContentLength" yaml:"maxContentLength"` // in characters
}

type RateLimitConfig struct {
	MaxMessagesPerMinute int `json:"maxMessagesPerMinute" yaml:"maxMessagesPerMinute"`
	WindowSeconds        int `json:"windowSeconds" yaml:"windowSeconds"`
}

type RetryConfig struct {
	MaxRetries     int `json:"maxRetries" yaml:"maxRetries"`
	InitialDelayMs int `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs     int `json:"maxDelayMs" yaml:"maxDelayMs"`
	JitterMs       int `json:"jitterMs" yaml:"jitterMs"`
}

type DedupConfig struct {
	WindowMs int `json:"windowMs" yaml:"windowMs"`
}

type TypingConfig struct {
	TimeoutMs int `json:"timeoutMs" yaml:"timeoutMs"`
}

// RealtimeConfig configures conversation channels and the in-process hub.
type RealtimeConfig struct {
	ResubscribeAttempts int `json:"resubscribeAttempts" yaml:"resubscribeAttempts"`
	BufferSize          int `json:"bufferSize" yaml:"bufferSize"` // per-subscriber event buffer
}

type StoreConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

// GatewayConfig configures the WebSocket gateway. URL is used by clients
// connecting to a remote gateway instead of running the hub in-process.
type GatewayConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	Host            string  `json:"host" yaml:"host"`
	Port            int     `json:"port" yaml:"port"`
	Path            string  `json:"path" yaml:"path"`
	FramesPerSecond float64 `json:"framesPerSecond" yaml:"framesPerSecond"`
	Burst           int     `json:"burst" yaml:"burst"`
	Token           string  `json:"token,omitempty" yaml:"token,omitempty"`
	URL             string  `json:"url,omitempty" yaml:"url,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint mounted on the gateway.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.eventchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eventchat"
	}
	return filepath.Join(home, ".eventchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	// A .env next to the config file feeds ${VAR} substitution. Variables
	// already set in the environment win.
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding existing variables. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cannot load env file %s: %w", path, err)
	}
	return nil
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
		name := groups[1]
		def := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			def = groups[2]
		}

		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			if hasDefault {
				return def
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. All problems are
// reported together.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Chat.CacheCapacity < 1 {
		errs = append(errs, "chat.cacheCapacity must be >= 1")
	}
	if cfg.Chat.PageSize < 1 || cfg.Chat.PageSize > 500 {
		errs = append(errs, "chat.pageSize must be between 1 and 500")
	}
	if cfg.Chat.MaxContentLength < 1 {
		errs = append(errs, "chat.maxContentLength must be >= 1")
	}

	if cfg.RateLimit.MaxMessagesPerMinute < 1 {
		errs = append(errs, "rateLimit.maxMessagesPerMinute must be >= 1")
	}
	if cfg.RateLimit.WindowSeconds < 1 {
		errs = append(errs, "rateLimit.windowSeconds must be >= 1")
	}

	if cfg.Retry.MaxRetries < 0 || cfg.Retry.MaxRetries > 10 {
		errs = append(errs, "retry.maxRetries must be between 0 and 10")
	}
	if cfg.Retry.InitialDelayMs < 1 {
		errs = append(errs, "retry.initialDelayMs must be >= 1")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.InitialDelayMs {
		errs = append(errs, "retry.maxDelayMs must be >= retry.initialDelayMs")
	}
	if cfg.Retry.JitterMs < 0 {
		errs = append(errs, "retry.jitterMs must be >= 0")
	}

	if cfg.Dedup.WindowMs < 0 {
		errs = append(errs, "dedup.windowMs must be >= 0")
	}
	if cfg.Typing.TimeoutMs < 1 {
		errs = append(errs, "typing.timeoutMs must be >= 1")
	}
	if cfg.Realtime.ResubscribeAttempts < 0 {
		errs = append(errs, "realtime.resubscribeAttempts must be >= 0")
	}
	if cfg.Realtime.BufferSize < 1 {
		errs = append(errs, "realtime.bufferSize must be >= 1")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		errs = append(errs, "gateway.path must start with /")
	}
	if cfg.Gateway.FramesPerSecond <= 0 {
		errs = append(errs, "gateway.framesPerSecond must be > 0")
	}
	if cfg.Gateway.Burst < 1 {
		errs = append(errs, "gateway.burst must be >= 1")
	}
	if cfg.Gateway.URL != "" && !strings.HasPrefix(cfg.Gateway.URL, "ws://") && !strings.HasPrefix(cfg.Gateway.URL, "wss://") {
		errs = append(errs, "gateway.url must use ws:// or wss://")
	}

	if cfg.Metrics.Enabled {
		if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
			errs = append(errs, "metrics.endpoint must start with /")
		} else if cfg.Metrics.Endpoint == cfg.Gateway.Path {
			errs = append(errs, "metrics.endpoint must differ from gateway.path")
		}
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
