// Package config loads server configuration from the environment, the
// deployment convention this service has always used in place of flags.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every environment-tunable setting for the collaboration server.
type Config struct {
	Port        string
	StoragePath string

	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitURL       string

	LogLevel string

	MaxPeersPerProject int
	ChatHistoryLimit   int
}

// Load reads Config from the process environment, applying defaults for
// anything unset. LIVEKIT_* variables may all be empty, in which case voice
// grants fall back to the fake issuer.
func Load() (Config, error) {
	cfg := Config{
		Port:               getEnvOr("PORT", "8080"),
		StoragePath:        getEnvOr("STORAGE_PATH", "./data"),
		LiveKitAPIKey:      os.Getenv("LIVEKIT_API_KEY"),
		LiveKitAPISecret:   os.Getenv("LIVEKIT_API_SECRET"),
		LiveKitURL:         os.Getenv("LIVEKIT_URL"),
		LogLevel:           getEnvOr("LOG_LEVEL", "info"),
		MaxPeersPerProject: 0,
		ChatHistoryLimit:   200,
	}

	if v := os.Getenv("MAX_PEERS_PER_PROJECT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: MAX_PEERS_PER_PROJECT must be an integer: %w", err)
		}
		cfg.MaxPeersPerProject = n
	}
	if v := os.Getenv("CHAT_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CHAT_HISTORY_LIMIT must be an integer: %w", err)
		}
		cfg.ChatHistoryLimit = n
	}
	return cfg, nil
}

// VoiceConfigured reports whether enough LiveKit credentials are present to
// issue real voice grants.
func (c Config) VoiceConfigured() bool {
	return c.LiveKitAPIKey != "" && c.LiveKitAPISecret != "" && c.LiveKitURL != ""
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
