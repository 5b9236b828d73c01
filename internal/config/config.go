// Package config loads service configuration from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Auth      AuthConfig      `koanf:"auth" yaml:"auth"`
	Database  DatabaseConfig  `koanf:"database" yaml:"database"`
	Redis     RedisConfig     `koanf:"redis" yaml:"redis"`
	Cache     CacheConfig     `koanf:"cache" yaml:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit" yaml:"rate_limit"`
	WS        WSConfig        `koanf:"ws" yaml:"ws"`
	Bridge    BridgeConfig    `koanf:"bridge" yaml:"bridge"`
	Features  FeatureConfig   `koanf:"features" yaml:"features"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host              string        `koanf:"host" yaml:"host"`
	Port              int           `koanf:"port" yaml:"port"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins" yaml:"cors_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
	Caller bool   `koanf:"caller" yaml:"caller"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret" yaml:"jwt_secret"`
	Audience  string        `koanf:"audience" yaml:"audience"`
	TokenTTL  time.Duration `koanf:"token_ttl" yaml:"token_ttl"`
}

type DatabaseConfig struct {
	URL           string        `koanf:"url" yaml:"url"`
	Migrate       bool          `koanf:"migrate" yaml:"migrate"`
	MigrationsDir string        `koanf:"migrations_dir" yaml:"migrations_dir"`
	Timeout       time.Duration `koanf:"timeout" yaml:"timeout"`
	SeedDemo      bool          `koanf:"seed_demo" yaml:"seed_demo"`
}

type RedisConfig struct {
	URL         string        `koanf:"url" yaml:"url"`
	Timeout     time.Duration `koanf:"timeout" yaml:"timeout"`
	HealthCheck time.Duration `koanf:"health_check" yaml:"health_check"` // idle time before a subscription pings
}

type CacheConfig struct {
	Enabled bool     `koanf:"enabled" yaml:"enabled"`
	Prefix  string   `koanf:"prefix" yaml:"prefix"`
	TTL     CacheTTL `koanf:"ttl" yaml:"ttl"`
}

// CacheTTL holds one TTL per data category.
type CacheTTL struct {
	Pulse   time.Duration `koanf:"pulse" yaml:"pulse"`
	Network time.Duration `koanf:"network" yaml:"network"`
	Live    time.Duration `koanf:"live" yaml:"live"`
	Bot     time.Duration `koanf:"bot" yaml:"bot"`
	Revenue time.Duration `koanf:"revenue" yaml:"revenue"`
}

type RateLimitConfig struct {
	Enabled bool       `koanf:"enabled" yaml:"enabled"`
	Prefix  string     `koanf:"prefix" yaml:"prefix"`
	Rules   []RuleSpec `koanf:"rules" yaml:"rules"`
}

// RuleSpec is a route template with its request budget.
type RuleSpec struct {
	Pattern string        `koanf:"pattern" yaml:"pattern"`
	Limit   int           `koanf:"limit" yaml:"limit"`
	Window  time.Duration `koanf:"window" yaml:"window"`
}

type WSConfig struct {
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
	SendTimeout         time.Duration `koanf:"send_timeout" yaml:"send_timeout"`
	MaxConnectionsPerIP int           `koanf:"max_connections_per_ip" yaml:"max_connections_per_ip"`
	BroadcastWorkers    int           `koanf:"broadcast_workers" yaml:"broadcast_workers"`
	InboundRate         float64       `koanf:"inbound_rate" yaml:"inbound_rate"`
	InboundBurst        int           `koanf:"inbound_burst" yaml:"inbound_burst"`
	HandshakesPerMinute int           `koanf:"handshakes_per_minute" yaml:"handshakes_per_minute"`
}

type BridgeConfig struct {
	Channels       []string      `koanf:"channels" yaml:"channels"`
	InitialBackoff time.Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" yaml:"max_backoff"`
}

type FeatureConfig struct {
	WebSocket           bool `koanf:"websocket" yaml:"websocket"`
	BotQuery            bool `koanf:"bot_query" yaml:"bot_query"`
	RevenueOptimization bool `koanf:"revenue_optimization" yaml:"revenue_optimization"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// DefaultChannels is the static channel set every deployment serves.
var DefaultChannels = []string{
	"tower-ai-feed",
	"floor-pulse-2",
	"floor-pulse-4",
	"floor-pulse-9",
	"floor-pulse-15",
	"floor-pulse-16",
}

const defaultJWTSecret = "frontier-tower-secret-key-change-in-production"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173", "https://frontiertower.ai"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			JWTSecret: defaultJWTSecret,
			Audience:  "frontier-dashboard",
			TokenTTL:  24 * time.Hour,
		},
		Database: DatabaseConfig{
			Migrate:       true,
			MigrationsDir: "db/migrations",
			Timeout:       30 * time.Second,
			SeedDemo:      true,
		},
		Redis: RedisConfig{Timeout: 5 * time.Second, HealthCheck: 30 * time.Second},
		Cache: CacheConfig{
			Enabled: true,
			Prefix:  "intel:",
			TTL: CacheTTL{
				Pulse:   30 * time.Second,
				Network: 300 * time.Second,
				Live:    15 * time.Second,
				Bot:     30 * time.Second,
				Revenue: 60 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Prefix:  "rate:",
			Rules: []RuleSpec{
				{Pattern: "/api/floors/{floor_id}/pulse", Limit: 180, Window: time.Minute},
				{Pattern: "/api/analytics/live", Limit: 240, Window: time.Minute},
				{Pattern: "/api/bot/query", Limit: 15, Window: time.Minute},
			},
		},
		WS: WSConfig{
			HeartbeatInterval:   30 * time.Second,
			SendTimeout:         5 * time.Second,
			MaxConnectionsPerIP: 10,
			BroadcastWorkers:    32,
			InboundRate:         5,
			InboundBurst:        20,
			HandshakesPerMinute: 60,
		},
		Bridge: BridgeConfig{
			Channels:       append([]string(nil), DefaultChannels...),
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Features: FeatureConfig{WebSocket: true, BotQuery: true, RevenueOptimization: true},
		Metrics:  MetricsConfig{Enabled: true},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Auth.Audience == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	for name, ttl := range map[string]time.Duration{
		"pulse": c.Cache.TTL.Pulse, "network": c.Cache.TTL.Network, "live": c.Cache.TTL.Live,
		"bot": c.Cache.TTL.Bot, "revenue": c.Cache.TTL.Revenue,
	} {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("cache.ttl.%s must be positive", name))
		}
	}
	for i, r := range c.RateLimit.Rules {
		if !strings.HasPrefix(r.Pattern, "/") {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d].pattern must start with /", i))
		}
		if r.Limit <= 0 || r.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d] needs positive limit and window", i))
		}
	}
	if c.Redis.HealthCheck <= 0 {
		errs = append(errs, errors.New("redis.health_check must be positive"))
	}
	if c.WS.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("ws.heartbeat_interval must be positive"))
	}
	if c.WS.SendTimeout <= 0 {
		errs = append(errs, errors.New("ws.send_timeout must be positive"))
	}
	if len(c.Bridge.Channels) == 0 {
		errs = append(errs, errors.New("bridge.channels must not be empty"))
	}
	if c.Bridge.InitialBackoff <= 0 || c.Bridge.MaxBackoff < c.Bridge.InitialBackoff {
		errs = append(errs, errors.New("bridge backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	return errors.Join(errs...)
}

// UsesDefaultSecret reports whether the built-in development secret is active.
func (c *Config) UsesDefaultSecret() bool { return c.Auth.JWTSecret == defaultJWTSecret }
