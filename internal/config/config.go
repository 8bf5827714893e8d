package config

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Upstream  UpstreamConfig
	Ollama    OllamaConfig
	Log       LogConfig
	Planner   PlannerConfig
	Ingest    IngestConfig
	Worldbook WorldbookConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type StorageConfig struct {
	DataDir string
}

// UpstreamConfig is the OpenAI-compatible backend the proxy forwards to
// and the planner uses in tavern mode.
type UpstreamConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type LogConfig struct {
	Level string
}

type PlannerConfig struct {
	Backoff    string
	MaxRetries int
}

type IngestConfig struct {
	PollInterval string
}

// WorldbookConfig controls semantic recall of vectorized entries.
// RecallTopK <= 0 turns recall off.
type WorldbookConfig struct {
	RecallTopK int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4100,
			MCPPort: 4101,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Upstream: UpstreamConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "gpt-4-turbo",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Log: LogConfig{
			Level: "info",
		},
		Planner: PlannerConfig{
			Backoff:    "1s",
			MaxRetries: 3,
		},
		Ingest: IngestConfig{
			PollInterval: "500ms",
		},
		Worldbook: WorldbookConfig{
			RecallTopK: 4,
		},
	}
}

// BackoffDuration parses Backoff, falling back to one second.
func (p PlannerConfig) BackoffDuration() time.Duration {
	return parseDuration("planner.backoff", p.Backoff, time.Second)
}

// PollDuration parses PollInterval, falling back to 500ms.
func (i IngestConfig) PollDuration() time.Duration {
	return parseDuration("ingest.poll_interval", i.PollInterval, 500*time.Millisecond)
}

func parseDuration(key, s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in config, using default", "key", key, "value", s, "default", def)
		return def
	}
	return d
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.qrf.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/qrf/config.json
// and secrets fall back to $XDG_DATA_HOME/qrf/secrets.json.
//
// Environment variables (QRF_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b Backend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The upstream key is optional: without it the proxy forwards
	// unauthenticated and tavern mode is unavailable.
	if cfg.Upstream.APIKey == "" {
		if key, err := kc.Get(keychainService, upstreamKeyAccount); err == nil && key != "" {
			cfg.Upstream.APIKey = key
		}
	}

	if cfg.Server.Port == cfg.Server.MCPPort && cfg.Server.MCPPort != 0 {
		return Config{}, fmt.Errorf("server.port and server.mcp_port must differ (both %d)", cfg.Server.Port)
	}

	return cfg, nil
}
