package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"riskwatch/internal/backoff"
	"riskwatch/internal/models"
)

// DefaultStreamURL is the relay endpoint used when nothing overrides it
const DefaultStreamURL = "ws://localhost:8080/kafka"

// Config holds runtime configuration for the dashboard and the relay.
type Config struct {
	Env      string       `yaml:"env"`
	LogLevel string       `yaml:"log_level"`
	Stream   StreamConfig `yaml:"stream"`
	Ticker   TickerConfig `yaml:"ticker"`
	HTTP     HTTPConfig   `yaml:"http"`
	Relay    RelayConfig  `yaml:"relay"`
}

// StreamConfig configures the stream client
type StreamConfig struct {
	// Relay websocket endpoint
	URL         string         `yaml:"url"`
	DialTimeout time.Duration  `yaml:"dial_timeout"`
	Reconnect   backoff.Policy `yaml:"reconnect"`
	// Capacity of the per-connection control frame queue
	SendQueueSize int `yaml:"send_queue_size"`
}

// TickerConfig configures the activity feed
type TickerConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// HTTPConfig configures the dashboard read API
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

// RelayConfig configures the Kafka to websocket relay
type RelayConfig struct {
	Addr         string   `yaml:"addr"`
	Path         string   `yaml:"path"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	GroupID      string   `yaml:"group_id"`
	Topics       []string `yaml:"topics"`
	// Per-client outbound buffer
	ClientBuffer int `yaml:"client_buffer"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Env:      "",
		LogLevel: "info",
		Stream: StreamConfig{
			URL:           DefaultStreamURL,
			DialTimeout:   10 * time.Second,
			Reconnect:     backoff.Default(),
			SendQueueSize: 64,
		},
		Ticker: TickerConfig{
			MaxEntries: 20,
		},
		HTTP: HTTPConfig{
			Addr:            ":8090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			StatsInterval:   30 * time.Second,
		},
		Relay: RelayConfig{
			Addr:         ":8080",
			Path:         "/kafka",
			KafkaBrokers: []string{"localhost:9092"},
			GroupID:      "riskwatch-relay",
			Topics: []string{
				models.TopicZones,
				models.TopicStats,
				models.TopicSystemLogs,
				models.TopicDataIngestion,
			},
			ClientBuffer: 256,
		},
	}
}

// Load builds the config: defaults, then the YAML file at path (if it exists),
// then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides overlays environment variables onto c
func (c *Config) ApplyEnvOverrides() {
	c.Env = getenv("ENV", c.Env)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.Stream.URL = getenv("RISK_STREAM_URL", c.Stream.URL)
	c.Stream.Reconnect.MaxAttempts = getenvInt("RISK_STREAM_MAX_ATTEMPTS", c.Stream.Reconnect.MaxAttempts)
	c.Ticker.MaxEntries = getenvInt("TICKER_MAX_ENTRIES", c.Ticker.MaxEntries)
	c.HTTP.Addr = getenv("HTTP_ADDR", c.HTTP.Addr)
	c.Relay.Addr = getenv("RELAY_ADDR", c.Relay.Addr)
	c.Relay.GroupID = getenv("KAFKA_GROUP_ID", c.Relay.GroupID)
	if v := getenvList("KAFKA_BROKERS"); len(v) > 0 {
		c.Relay.KafkaBrokers = v
	}
	if v := getenvList("RELAY_TOPICS"); len(v) > 0 {
		c.Relay.Topics = v
	}
}

// Validate checks the config for values the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Stream.URL) == "" {
		errs = append(errs, errors.New("stream.url is required"))
	}
	if c.Stream.Reconnect.Base <= 0 {
		errs = append(errs, errors.New("stream.reconnect.base must be positive"))
	}
	if c.Stream.Reconnect.Max < c.Stream.Reconnect.Base {
		errs = append(errs, errors.New("stream.reconnect.max must be >= base"))
	}
	if c.Ticker.MaxEntries <= 0 {
		errs = append(errs, errors.New("ticker.max_entries must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
