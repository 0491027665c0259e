package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultMaxConcurrentStreams = 50
	DefaultMaxStreamsPerUser    = 3
	DefaultHeartbeatSeconds     = 3
	DefaultUpstreamTimeoutMin   = 6
	DefaultGuestTTLMinutes      = 5 * 60
	DefaultGuestSweepMinutes    = 60
	DefaultIdentityHeader       = "x-amzn-oidc-data"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Auth        AuthConfig                `json:"auth"`
	Limits      LimitsConfig              `json:"limits"`
	Title       TitleConfig               `json:"title"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	UpstreamURL       string `json:"upstream_url"`
	StaticDir         string `json:"static_dir"`
	LogFile           string `json:"log_file"`
	Production        bool   `json:"production"`
	LogoutRedirectURL string `json:"logout_redirect_url"`
}

// DatabaseConfig holds connection settings for one SQL dialect. DSN wins when set.
type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret"`
	IdentityHeader string `json:"identity_header"`
	GuestSecret    string `json:"guest_secret"`
	DisableGuests  bool   `json:"disable_guests"`
}

type LimitsConfig struct {
	MaxConcurrentStreams   int `json:"max_concurrent_streams"`
	MaxStreamsPerUser      int `json:"max_streams_per_user"`
	HeartbeatSeconds       int `json:"heartbeat_seconds"`
	UpstreamTimeoutMinutes int `json:"upstream_timeout_minutes"`
	GuestTTLMinutes        int `json:"guest_ttl_minutes"`
	GuestSweepMinutes      int `json:"guest_sweep_minutes"`
}

// TitleConfig selects the chat model used to name new threads. Empty provider disables it.
type TitleConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
}

func (l LimitsConfig) Heartbeat() time.Duration {
	return time.Duration(l.HeartbeatSeconds) * time.Second
}

func (l LimitsConfig) UpstreamTimeout() time.Duration {
	return time.Duration(l.UpstreamTimeoutMinutes) * time.Minute
}

func (l LimitsConfig) GuestTTL() time.Duration {
	return time.Duration(l.GuestTTLMinutes) * time.Minute
}

func (l LimitsConfig) GuestSweepInterval() time.Duration {
	return time.Duration(l.GuestSweepMinutes) * time.Minute
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first; environment
// variables override values from the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("SYNAPDOCS_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") &&
			!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if cfg.BasicConfig.StaticDir != "" && !filepath.IsAbs(cfg.BasicConfig.StaticDir) {
		cfg.BasicConfig.StaticDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.StaticDir)
	}

	return &cfg, nil
}

// Validate reports missing settings the service cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BasicConfig.UpstreamURL) == "" {
		return errors.New("basic_config.upstream_url must be configured")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be configured")
	}
	if !c.Auth.DisableGuests && c.Auth.GuestSecret == "" {
		return errors.New("auth.guest_secret must be configured when guests are enabled")
	}
	if len(c.Databases) == 0 {
		return errors.New("at least one database must be configured")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.Auth.IdentityHeader == "" {
		c.Auth.IdentityHeader = DefaultIdentityHeader
	}
	l := &c.Limits
	if l.MaxConcurrentStreams <= 0 {
		l.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if l.MaxStreamsPerUser <= 0 {
		l.MaxStreamsPerUser = DefaultMaxStreamsPerUser
	}
	if l.HeartbeatSeconds <= 0 {
		l.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if l.UpstreamTimeoutMinutes <= 0 {
		l.UpstreamTimeoutMinutes = DefaultUpstreamTimeoutMin
	}
	if l.GuestTTLMinutes <= 0 {
		l.GuestTTLMinutes = DefaultGuestTTLMinutes
	}
	if l.GuestSweepMinutes <= 0 {
		l.GuestSweepMinutes = DefaultGuestSweepMinutes
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNAPDOCS_UPSTREAM_URL"); v != "" {
		c.BasicConfig.UpstreamURL = v
	}
	if v := os.Getenv("SYNAPDOCS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("SYNAPDOCS_GUEST_SECRET"); v != "" {
		c.Auth.GuestSecret = v
	}
	if v := os.Getenv("SYNAPDOCS_TITLE_API_KEY"); v != "" {
		c.Title.APIKey = v
	}
	if v := os.Getenv("SYNAPDOCS_DSN"); v != "" {
		name := os.Getenv("SYNAPDOCS_DB")
		if name == "" {
			name = "sqlite3"
		}
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		db := c.Databases[name]
		db.DSN = v
		c.Databases[name] = db
	}
	if v := os.Getenv("SYNAPDOCS_REDIS_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		c.Redis.Enabled = true
		c.Redis.Host = host
		if ok {
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
		}
	}
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
