// Package config holds the meeting client configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores all parameters for a meeting session. Values come from
// environment variables with defaults; the CLI may override them via flags.
type Config struct {
	// SocketURL is the broker WebSocket endpoint, e.g. ws://localhost:8080/ws.
	SocketURL string
	// RestURL is the base URL of the meeting-management REST API.
	RestURL string
	// AuthToken is an opaque bearer token forwarded to the REST API.
	AuthToken string

	// STUNServers used for ICE candidate gathering.
	STUNServers []string

	// ConnectTimeout bounds the broker handshake.
	ConnectTimeout time.Duration
	// ReconnectMinDelay / ReconnectMaxDelay bound the broker retry backoff.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// ICEGracePeriod is how long an ICE "disconnected" state may persist
	// before an in-place restart is attempted.
	ICEGracePeriod time.Duration
	// StaleOfferAfter is the age at which an unanswered offer may be
	// superseded by a fresh one.
	StaleOfferAfter time.Duration
	// MaxNegotiationRetries caps per-peer teardown-and-retry cycles.
	MaxNegotiationRetries int

	// MaxFileSize caps file-transfer payloads before base64 encoding.
	// The broker is not a bulk transport; anything larger is rejected.
	MaxFileSize int
}

// Defaults mirror the original deployment: 5s broker reconnect delay,
// Google STUN, 8 MiB file cap.
const (
	defaultSocketURL         = "ws://localhost:8080/ws"
	defaultRestURL           = "http://localhost:8080/api"
	defaultConnectTimeout    = 8 * time.Second
	defaultReconnectMinDelay = 1 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	defaultICEGracePeriod    = 5 * time.Second
	defaultStaleOfferAfter   = 10 * time.Second
	defaultMaxRetries        = 3
	defaultMaxFileSize       = 8 << 20
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Load builds a Config from environment variables, falling back to defaults.
func Load() *Config {
	return &Config{
		SocketURL:             getEnv("CONNECTME_WS_URL", defaultSocketURL),
		RestURL:               getEnv("CONNECTME_API_URL", defaultRestURL),
		AuthToken:             getEnv("CONNECTME_TOKEN", ""),
		STUNServers:           getEnvList("CONNECTME_STUN_SERVERS", defaultSTUNServers),
		ConnectTimeout:        getEnvDuration("CONNECTME_CONNECT_TIMEOUT", defaultConnectTimeout),
		ReconnectMinDelay:     defaultReconnectMinDelay,
		ReconnectMaxDelay:     defaultReconnectMaxDelay,
		ICEGracePeriod:        defaultICEGracePeriod,
		StaleOfferAfter:       defaultStaleOfferAfter,
		MaxNegotiationRetries: defaultMaxRetries,
		MaxFileSize:           getEnvInt("CONNECTME_MAX_FILE_SIZE", defaultMaxFileSize),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
