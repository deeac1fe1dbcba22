// Package config loads the tap configuration from a YAML, JSON or TOML file
// with PIPEDRIVE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAPIURL    = "https://api.pipedrive.com/v1"
	DefaultAuthURL   = "https://oauth.pipedrive.com/oauth"
	DefaultBatchSize = 100
	DefaultPageLimit = 200
	DefaultAttempts  = 4
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PIPEDRIVE_"

// Config is the tap configuration. Keys match the Singer config file.
type Config struct {
	StartDate    string `yaml:"start_date" toml:"start_date"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	RefreshToken string `yaml:"refresh_token" toml:"refresh_token"`
	AccessToken  string `yaml:"access_token" toml:"access_token"`
	UserAgent    string `yaml:"user_agent" toml:"user_agent"`

	APIURL  string `yaml:"api_url" toml:"api_url"`
	AuthURL string `yaml:"auth_url" toml:"auth_url"`

	BatchSize         int     `yaml:"batch_size" toml:"batch_size"`
	PageLimit         int     `yaml:"page_limit" toml:"page_limit"`
	MaxAttempts       int     `yaml:"max_attempts" toml:"max_attempts"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`

	StateBackend  string `yaml:"state_backend" toml:"state_backend"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	RedisKey      string `yaml:"redis_key" toml:"redis_key"`
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn" toml:"postgres_dsn"`
}

// Load reads path (when not empty), applies environment overrides and fills
// defaults. It does not validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		path = expandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		// JSON is valid YAML, so Singer JSON configs load here too.
		return yaml.Unmarshal(data, cfg)
	}
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"START_DATE":     &c.StartDate,
		"CLIENT_ID":      &c.ClientID,
		"CLIENT_SECRET":  &c.ClientSecret,
		"REFRESH_TOKEN":  &c.RefreshToken,
		"ACCESS_TOKEN":   &c.AccessToken,
		"USER_AGENT":     &c.UserAgent,
		"API_URL":        &c.APIURL,
		"AUTH_URL":       &c.AuthURL,
		"STATE_BACKEND":  &c.StateBackend,
		"REDIS_ADDR":     &c.RedisAddr,
		"REDIS_PASSWORD": &c.RedisPassword,
		"REDIS_KEY":      &c.RedisKey,
		"SQLITE_PATH":    &c.SQLitePath,
		"POSTGRES_DSN":   &c.PostgresDSN,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":   &c.BatchSize,
		"PAGE_LIMIT":   &c.PageLimit,
		"MAX_ATTEMPTS": &c.MaxAttempts,
		"REDIS_DB":     &c.RedisDB,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "REQUESTS_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sREQUESTS_PER_SECOND: %w", EnvPrefix, err)
		}
		c.RequestsPerSecond = f
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PageLimit == 0 {
		c.PageLimit = DefaultPageLimit
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultAttempts
	}
	if c.SQLitePath != "" {
		c.SQLitePath = expandPath(c.SQLitePath)
	}
}

// Validate reports missing required keys and out-of-range values.
func (c *Config) Validate() error {
	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"refresh_token", c.RefreshToken},
		{"user_agent", c.UserAgent},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.PageLimit < 1 || c.PageLimit > 500 {
		return fmt.Errorf("page_limit must be between 1 and 500, got %d", c.PageLimit)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative, got %v", c.RequestsPerSecond)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
