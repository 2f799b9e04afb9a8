// Package config provides configuration for the chat daemon. Values come
// from the environment, optionally layered over a config file named by
// CHAT_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport and history backends.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"

	HistoryREST      = "rest"
	HistoryJetStream = "jetstream"
	HistoryNone      = "none"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Identity
	UserID string
	Token  string

	// Transport
	Transport          string
	WebSocketURL       string
	ConnectTimeout     time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectAttempts  int

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// History and persistence
	HistoryBackend     string
	APIURL             string
	APITimeout         time.Duration
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration

	// Client behavior
	TypingTTL      time.Duration
	TypingThrottle time.Duration
	DedupeWindow   time.Duration
	SendTimeout    time.Duration

	// Bridge settings
	BridgeJWTSecret   string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"SERVER_READ_TIMEOUT":  30 * time.Second,
	"SERVER_WRITE_TIMEOUT": 0,

	"CHAT_USER_ID": "",
	"CHAT_TOKEN":   "",

	"CHAT_TRANSPORT":         TransportWebSocket,
	"CHAT_WS_URL":            "ws://localhost:3000/ws",
	"CONNECT_TIMEOUT":        10 * time.Second,
	"RECONNECT_BASE_DELAY":   time.Second,
	"RECONNECT_MAX_ATTEMPTS": 5,

	"NATS_URL":       "nats://localhost:4222",
	"NATS_CA_FILE":   "",
	"NATS_CERT_FILE": "",
	"NATS_KEY_FILE":  "",
	"NATS_TOKEN":     "",

	"CHAT_HISTORY_BACKEND": HistoryREST,
	"CHAT_API_URL":         "http://localhost:3000/api",
	"API_TIMEOUT":          15 * time.Second,
	"BREAKER_MAX_FAILURES": 5,
	"BREAKER_TIMEOUT":      30 * time.Second,

	"TYPING_TTL":      3 * time.Second,
	"TYPING_THROTTLE": time.Second,
	"DEDUPE_WINDOW":   5 * time.Second,
	"SEND_TIMEOUT":    30 * time.Second,

	"BRIDGE_JWT_SECRET":   "",
	"RATE_LIMIT_REQUESTS": 120,
	"RATE_LIMIT_WINDOW":   time.Minute,
	"CORS_ORIGINS":        "http://localhost:3000,http://localhost:5173",

	"LOG_LEVEL": "info",

	"TRACING_ENDPOINT": "localhost:4318",
	"TRACING_ENABLED":  false,
}

// Load reads configuration from the environment and the optional config
// file.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := v.GetString("CHAT_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		// Server
		ServerPort:         v.GetString("PORT"),
		ServerReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		ServerWriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),

		// Identity
		UserID: v.GetString("CHAT_USER_ID"),
		Token:  v.GetString("CHAT_TOKEN"),

		// Transport
		Transport:          strings.ToLower(v.GetString("CHAT_TRANSPORT")),
		WebSocketURL:       v.GetString("CHAT_WS_URL"),
		ConnectTimeout:     v.GetDuration("CONNECT_TIMEOUT"),
		ReconnectBaseDelay: v.GetDuration("RECONNECT_BASE_DELAY"),
		ReconnectAttempts:  v.GetInt("RECONNECT_MAX_ATTEMPTS"),

		// NATS
		NATSURL:      v.GetString("NATS_URL"),
		NATSCAFile:   v.GetString("NATS_CA_FILE"),
		NATSCertFile: v.GetString("NATS_CERT_FILE"),
		NATSKeyFile:  v.GetString("NATS_KEY_FILE"),
		NATSToken:    v.GetString("NATS_TOKEN"),

		// History
		HistoryBackend:     strings.ToLower(v.GetString("CHAT_HISTORY_BACKEND")),
		APIURL:             strings.TrimRight(v.GetString("CHAT_API_URL"), "/"),
		APITimeout:         v.GetDuration("API_TIMEOUT"),
		BreakerMaxFailures: v.GetUint32("BREAKER_MAX_FAILURES"),
		BreakerTimeout:     v.GetDuration("BREAKER_TIMEOUT"),

		// Client behavior
		TypingTTL:      v.GetDuration("TYPING_TTL"),
		TypingThrottle: v.GetDuration("TYPING_THROTTLE"),
		DedupeWindow:   v.GetDuration("DEDUPE_WINDOW"),
		SendTimeout:    v.GetDuration("SEND_TIMEOUT"),

		// Bridge
		BridgeJWTSecret:   v.GetString("BRIDGE_JWT_SECRET"),
		RateLimitRequests: v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitWindow:   v.GetDuration("RATE_LIMIT_WINDOW"),
		CORSOrigins:       splitList(v.GetString("CORS_ORIGINS")),

		// Logging
		LogLevel: v.GetString("LOG_LEVEL"),

		// Tracing
		TracingEndpoint: v.GetString("TRACING_ENDPOINT"),
		TracingEnabled:  v.GetBool("TRACING_ENABLED"),
	}
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportWebSocket:
		if c.WebSocketURL == "" {
			errs = append(errs, errors.New("CHAT_WS_URL is required for the websocket transport"))
		}
	case TransportNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CHAT_TRANSPORT %q", c.Transport))
	}

	switch c.HistoryBackend {
	case HistoryREST:
		if c.APIURL == "" {
			errs = append(errs, errors.New("CHAT_API_URL is required for the rest history backend"))
		}
	case HistoryJetStream:
		if c.UserID == "" {
			errs = append(errs, errors.New("CHAT_USER_ID is required for the jetstream history backend"))
		}
	case HistoryNone:
	default:
		errs = append(errs, fmt.Errorf("unknown CHAT_HISTORY_BACKEND %q", c.HistoryBackend))
	}

	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must not be negative"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
