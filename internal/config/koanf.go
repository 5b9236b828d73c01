package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// ConfigPathEnvVar names the variable that points at a YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are probed in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml", "/etc/towerintel/config.yaml"}

// envKeys maps the environment variables the service honours to config paths.
var envKeys = map[string]string{
	"api_host":                    "server.host",
	"api_port":                    "server.port",
	"cors_origins":                "server.cors_origins",
	"shutdown_timeout":            "server.shutdown_timeout",
	"log_level":                   "logging.level",
	"log_format":                  "logging.format",
	"log_caller":                  "logging.caller",
	"jwt_secret":                  "auth.jwt_secret",
	"jwt_audience":                "auth.audience",
	"database_url":                "database.url",
	"db_migrate":                  "database.migrate",
	"db_seed_demo":                "database.seed_demo",
	"database_timeout":            "database.timeout",
	"redis_url":                   "redis.url",
	"redis_timeout":               "redis.timeout",
	"redis_health_check":          "redis.health_check",
	"cache_enabled":               "cache.enabled",
	"cache_ttl_pulse":             "cache.ttl.pulse",
	"cache_ttl_network":           "cache.ttl.network",
	"cache_ttl_live":              "cache.ttl.live",
	"cache_ttl_bot":               "cache.ttl.bot",
	"cache_ttl_revenue":           "cache.ttl.revenue",
	"rate_limit_enabled":          "rate_limit.enabled",
	"ws_heartbeat_interval":       "ws.heartbeat_interval",
	"ws_send_timeout":             "ws.send_timeout",
	"ws_max_connections_per_ip":   "ws.max_connections_per_ip",
	"ws_broadcast_workers":        "ws.broadcast_workers",
	"bridge_max_backoff":          "bridge.max_backoff",
	"enable_websocket":            "features.websocket",
	"enable_bot_query":            "features.bot_query",
	"enable_revenue_optimization": "features.revenue_optimization",
	"enable_metrics":              "metrics.enabled",
}

var bareSeconds = regexp.MustCompile(`^\d+$`)

// durationKeys accept plain integers as seconds, the way the legacy
// deployment scripts set them.
var durationKeys = map[string]bool{
	"server.shutdown_timeout": true,
	"database.timeout":        true,
	"redis.timeout":           true,
	"redis.health_check":      true,
	"cache.ttl.pulse":         true,
	"cache.ttl.network":       true,
	"cache.ttl.live":          true,
	"cache.ttl.bot":           true,
	"cache.ttl.revenue":       true,
	"ws.heartbeat_interval":   true,
	"ws.send_timeout":         true,
	"bridge.max_backoff":      true,
}

func envTransform(key, value string) (string, interface{}) {
	path, ok := envKeys[strings.ToLower(key)]
	if !ok {
		return "", nil
	}
	if durationKeys[path] && bareSeconds.MatchString(value) {
		value += "s"
	}
	return path, value
}

// Load builds the configuration: defaults, then the YAML file, then the environment.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile is Load with an explicit file path; an empty path skips the file layer.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	red := *c
	if red.Auth.JWTSecret != "" {
		red.Auth.JWTSecret = "<redacted>"
	}
	red.Database.URL = redactURL(red.Database.URL)
	red.Redis.URL = redactURL(red.Redis.URL)
	return yamlv3.Marshal(&red)
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<redacted>"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
