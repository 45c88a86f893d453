// Package server provides configuration helpers that define runtime defaults,
// validation, and loading from files and the environment for the relay.
package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/logging"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst" validate:"gt=0"`
	RefillInterval time.Duration `mapstructure:"refill_interval" validate:"gt=0"`
}

// WebSocketConfig holds connection keepalive and deadline settings.
type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval" validate:"gt=0,ltfield=PongWait"`
	PongWait        time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
	WriteWait       time.Duration `mapstructure:"write_wait" validate:"gt=0"`
	NameTimeout     time.Duration `mapstructure:"name_timeout" validate:"gt=0"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size" validate:"gte=0"`
	WriteBufferSize int           `mapstructure:"write_buffer_size" validate:"gte=0"`
}

// BroadcastConfig tunes replay and fan-out.
type BroadcastConfig struct {
	// ReplayLimit is how many recent messages a new client receives.
	ReplayLimit int `mapstructure:"replay_limit" validate:"gte=0"`
	// QueueSize bounds each client's outbound queue. It must hold a full replay.
	QueueSize            int           `mapstructure:"queue_size" validate:"gtfield=ReplayLimit"`
	InboundBuffer        int           `mapstructure:"inbound_buffer" validate:"gte=0"`
	SlowConsumerPolicy   string        `mapstructure:"slow_consumer_policy" validate:"oneof=disconnect drop-oldest"`
	StorageFailurePolicy string        `mapstructure:"storage_failure_policy" validate:"oneof=drop deliver"`
	StoreTimeout         time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `mapstructure:"port" validate:"required"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxMessageSize  int64           `mapstructure:"max_message_size" validate:"gt=0"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket       WebSocketConfig `mapstructure:"websocket"`
	Broadcast       BroadcastConfig `mapstructure:"broadcast"`
	History         history.Config  `mapstructure:"history"`
	Log             logging.Config  `mapstructure:"log"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	history.RegisterValidation(v)
	return v
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  4096,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:    54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			NameTimeout:     30 * time.Second,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		Broadcast: BroadcastConfig{
			ReplayLimit:          100,
			QueueSize:            256,
			InboundBuffer:        256,
			SlowConsumerPolicy:   SlowConsumerDisconnect,
			StorageFailurePolicy: StorageFailureDrop,
			StoreTimeout:         5 * time.Second,
		},
		History: history.Config{
			Driver:      "sqlite",
			Path:        "data/chat.db",
			BusyTimeout: 5 * time.Second,
		},
		Log: logging.Config{
			Level:       "info",
			ServiceName: "relaychat",
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := DefaultConfig()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("port", d.Port)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait)
	v.SetDefault("websocket.write_wait", d.WebSocket.WriteWait)
	v.SetDefault("websocket.name_timeout", d.WebSocket.NameTimeout)
	v.SetDefault("websocket.read_buffer_size", d.WebSocket.ReadBufferSize)
	v.SetDefault("websocket.write_buffer_size", d.WebSocket.WriteBufferSize)

	v.SetDefault("broadcast.replay_limit", d.Broadcast.ReplayLimit)
	v.SetDefault("broadcast.queue_size", d.Broadcast.QueueSize)
	v.SetDefault("broadcast.inbound_buffer", d.Broadcast.InboundBuffer)
	v.SetDefault("broadcast.slow_consumer_policy", d.Broadcast.SlowConsumerPolicy)
	v.SetDefault("broadcast.storage_failure_policy", d.Broadcast.StorageFailurePolicy)
	v.SetDefault("broadcast.store_timeout", d.Broadcast.StoreTimeout)

	v.SetDefault("history.driver", d.History.Driver)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("history.busy_timeout", d.History.BusyTimeout)
	v.SetDefault("history.in_memory", d.History.InMemory)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.service_name", d.Log.ServiceName)
}

// LoadConfig builds a Config from defaults, an optional YAML file at path,
// and the environment. Nested keys map to upper-case variables with dots
// replaced by underscores (HISTORY_DRIVER, BROADCAST_QUEUE_SIZE, ...).
// SERVER_PORT is honoured as an alias for PORT.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "SERVER_PORT", "PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Bare integers are seconds, as RATE_LIMIT_REFILL_INTERVAL always was.
	if raw := strings.TrimSpace(v.GetString("rate_limit.refill_interval")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil {
			v.Set("rate_limit.refill_interval", time.Duration(seconds)*time.Second)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg = sanitizeConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port != "" && !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	cfg.Broadcast.SlowConsumerPolicy = strings.ToLower(strings.TrimSpace(cfg.Broadcast.SlowConsumerPolicy))
	cfg.Broadcast.StorageFailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Broadcast.StorageFailurePolicy))
	cfg.History.Driver = strings.ToLower(strings.TrimSpace(cfg.History.Driver))
	return cfg
}

// Validate reports the first set of invalid fields, if any.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
