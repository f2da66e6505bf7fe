package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string `yaml:"port"`
	LogLevel                   string `yaml:"logLevel"`
	DatabaseURL                string `yaml:"databaseURL"`
	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	IdentityJWKSURL            string `yaml:"identityJwksURL"`
	JWTIssuer                  string `yaml:"jwtIssuer"`
	JWTAudience                string `yaml:"jwtAudience"`
	JWTLeeway                  string `yaml:"jwtLeeway"`
	RenderCachePrefix          string `yaml:"renderCachePrefix"`
	CreateRateLimitPerMinute   int    `yaml:"createRateLimitPerMinute"`
	BookmarkRateLimitPerMinute int    `yaml:"bookmarkRateLimitPerMinute"`
	SessionRateLimitPerMinute  int    `yaml:"sessionRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("IDENTITY_JWKS_URL"); v != "" {
		cfg.IdentityJWKSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("RENDER_CACHE_PREFIX"); v != "" {
		cfg.RenderCachePrefix = strings.TrimSpace(v)
	}
	if v := os.Getenv("CREATE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CreateRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("BOOKMARK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BookmarkRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SESSION_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.IdentityJWKSURL) == "" {
		return errors.New("config: identityJwksURL is required (set in config.yaml or IDENTITY_JWKS_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for rate limiting and revalidation")
	}
	if cfg.CreateRateLimitPerMinute < 0 || cfg.BookmarkRateLimitPerMinute < 0 || cfg.SessionRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseJWTLeeway parses the optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
