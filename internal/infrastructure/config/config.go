package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// FileEnv names the environment variable holding an optional YAML config file.
const FileEnv = "WEBSHELL_CONFIG"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"3000" yaml:"port"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
	StaticDir       string        `envconfig:"STATIC_DIR" default:"public" yaml:"static_dir"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" yaml:"shutdown_timeout"`
	// FileRoot is the directory the file API serves; empty means "/".
	FileRoot     string `envconfig:"FILE_ROOT" yaml:"file_root"`
	MaxFileBytes int64  `envconfig:"FILE_MAX_BYTES" default:"1048576" yaml:"max_file_bytes"`
}

// AuthConfig holds login configuration.
type AuthConfig struct {
	Username      string        `envconfig:"AUTH_USERNAME" default:"admin" yaml:"username"`
	Password      string        `envconfig:"AUTH_PASSWORD" default:"admin123" yaml:"password"`
	SessionTTL    time.Duration `envconfig:"AUTH_SESSION_TTL" default:"24h" yaml:"session_ttl"`
	BcryptCost    int           `envconfig:"AUTH_BCRYPT_COST" default:"10" yaml:"bcrypt_cost"`
	CookieSecure  bool          `envconfig:"AUTH_COOKIE_SECURE" default:"false" yaml:"cookie_secure"`
	SweepSchedule string        `envconfig:"AUTH_SWEEP_SCHEDULE" default:"@every 5m" yaml:"sweep_schedule"`
}

// TerminalConfig holds the spawn parameters of every terminal.
type TerminalConfig struct {
	Command string   `envconfig:"TERMINAL_COMMAND" default:"claude" yaml:"command"`
	Args    []string `envconfig:"TERMINAL_ARGS" yaml:"args"`
	// Dir is the working directory; empty means the server's.
	Dir  string   `envconfig:"TERMINAL_DIR" yaml:"dir"`
	Term string   `envconfig:"TERMINAL_TERM" default:"xterm-color" yaml:"term"`
	Cols int      `envconfig:"TERMINAL_COLS" default:"120" yaml:"cols"`
	Rows int      `envconfig:"TERMINAL_ROWS" default:"30" yaml:"rows"`
	Env  []string `envconfig:"TERMINAL_ENV" yaml:"env"`

	SpawnFailureThreshold int           `envconfig:"TERMINAL_SPAWN_FAILURE_THRESHOLD" default:"5" yaml:"spawn_failure_threshold"`
	SpawnCooldown         time.Duration `envconfig:"TERMINAL_SPAWN_COOLDOWN" default:"30s" yaml:"spawn_cooldown"`
}

// BridgeConfig holds WebSocket connection configuration.
type BridgeConfig struct {
	ReadyDelay      time.Duration `envconfig:"BRIDGE_READY_DELAY" default:"100ms" yaml:"ready_delay"`
	QueueSize       int           `envconfig:"BRIDGE_QUEUE_SIZE" default:"256" yaml:"queue_size"`
	MaxMessageBytes int64         `envconfig:"WS_MAX_MESSAGE_BYTES" default:"1048576" yaml:"max_message_bytes"`
	PingInterval    time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s" yaml:"ping_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
	Format      string `envconfig:"LOG_FORMAT" yaml:"format"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
	// Login attempts per minute per client IP.
	LoginPerMinute int `envconfig:"RATE_LIMIT_LOGIN_PER_MINUTE" default:"10" yaml:"login_per_minute"`
	LoginBurst     int `envconfig:"RATE_LIMIT_LOGIN_BURST" default:"5" yaml:"login_burst"`
	// WebSocket upgrade attempts per second across all clients; 0 disables the limit.
	UpgradesPerSecond int `envconfig:"RATE_LIMIT_WS_UPGRADES_PER_SECOND" default:"20" yaml:"upgrades_per_second"`
	UpgradeBurst      int `envconfig:"RATE_LIMIT_WS_UPGRADE_BURST" default:"40" yaml:"upgrade_burst"`
}

// Load loads configuration from environment variables, then applies the
// YAML file named by WEBSHELL_CONFIG if set. Keys present in the file win.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment and the YAML file at path.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFile(&cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Server.Port))
	}
	if c.Auth.Username == "" {
		errs = append(errs, errors.New("auth username must not be empty"))
	}
	if c.Terminal.Command == "" {
		errs = append(errs, errors.New("terminal command must not be empty"))
	}
	if c.Terminal.Cols <= 0 || c.Terminal.Rows <= 0 {
		errs = append(errs, fmt.Errorf("invalid terminal size %dx%d", c.Terminal.Cols, c.Terminal.Rows))
	}
	if c.Bridge.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid bridge queue size %d", c.Bridge.QueueSize))
	}
	if c.Bridge.ReadyDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid ready delay %s", c.Bridge.ReadyDelay))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3000",
			Host:            "0.0.0.0",
			StaticDir:       "public",
			ShutdownTimeout: 10 * time.Second,
			MaxFileBytes:    1 << 20,
		},
		Auth: AuthConfig{
			Username:      "admin",
			Password:      "admin123",
			SessionTTL:    24 * time.Hour,
			BcryptCost:    10,
			SweepSchedule: "@every 5m",
		},
		Terminal: TerminalConfig{
			Command:               "claude",
			Term:                  "xterm-color",
			Cols:                  120,
			Rows:                  30,
			SpawnFailureThreshold: 5,
			SpawnCooldown:         30 * time.Second,
		},
		Bridge: BridgeConfig{
			ReadyDelay:      100 * time.Millisecond,
			QueueSize:       256,
			MaxMessageBytes: 1 << 20,
			PingInterval:    30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
			LoginPerMinute:    10,
			LoginBurst:        5,
			UpgradesPerSecond: 20,
			UpgradeBurst:      40,
		},
	}
}
