package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/Cyvadra/signal-trader/internal/logger"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig   `yaml:"server"`
	Database     DatabaseConfig `yaml:"database"`
	Logging      logger.Options `yaml:"logging"`
	Polling      PollingConfig  `yaml:"polling"`
	Trading      TradingConfig  `yaml:"trading"`
	Notify       NotifyConfig   `yaml:"notify"`
	Auth         AuthConfig     `yaml:"auth"`
	AccountsFile string         `yaml:"accounts_file"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port" validate:"required"`
	Mode string `yaml:"mode" validate:"omitempty,oneof=debug release test"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=sqlite mysql"`
	DSN    string `yaml:"dsn" validate:"required"`
	Debug  bool   `yaml:"debug"`
}

// PollingConfig controls the channel pollers.
type PollingConfig struct {
	Interval        time.Duration `yaml:"interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	ReconnectBase   time.Duration `yaml:"reconnect_base"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	ReplayBacklog   bool          `yaml:"replay_backlog"` // trade on messages already in a channel when first seen
	AutoResume      bool          `yaml:"auto_resume"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// TradingConfig holds execution settings shared by all accounts.
type TradingConfig struct {
	CooldownWindow      time.Duration   `yaml:"cooldown_window"`
	ConfidenceThreshold float64         `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	QuoteAsset          string          `yaml:"quote_asset"`
	Broker              broker.Settings `yaml:"broker"`
}

// NotifyConfig configures owner notices and webhook delivery.
type NotifyConfig struct {
	TelegramBotToken string        `yaml:"telegram_bot_token"`
	WebhookTimeout   time.Duration `yaml:"webhook_timeout"`
}

// AuthConfig protects the HTTP API with HMAC-signed JWTs.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret" validate:"required_if=Enabled true"`
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "signal-trader.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = 5 * time.Second
	}
	if c.Polling.FetchTimeout <= 0 {
		c.Polling.FetchTimeout = 20 * time.Second
	}
	if c.Polling.ReconnectBase <= 0 {
		c.Polling.ReconnectBase = 2 * time.Second
	}
	if c.Polling.ReconnectMax <= 0 {
		c.Polling.ReconnectMax = 2 * time.Minute
	}
	if c.Polling.DispatchTimeout <= 0 {
		c.Polling.DispatchTimeout = 2 * time.Minute
	}
	if c.Trading.CooldownWindow <= 0 {
		c.Trading.CooldownWindow = 24 * time.Hour
	}
	if c.Trading.ConfidenceThreshold == 0 {
		c.Trading.ConfidenceThreshold = 0.5
	}
	if c.Trading.QuoteAsset == "" {
		c.Trading.QuoteAsset = "USDT"
	}
	c.Trading.Broker = c.Trading.Broker.WithDefaults()
	if c.Notify.WebhookTimeout <= 0 {
		c.Notify.WebhookTimeout = 10 * time.Second
	}
	if c.AccountsFile == "" {
		c.AccountsFile = "accounts.yaml"
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Trading.Broker.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Polling.ReconnectMax < c.Polling.ReconnectBase {
		return fmt.Errorf("invalid config: reconnect_max %s is below reconnect_base %s",
			c.Polling.ReconnectMax, c.Polling.ReconnectBase)
	}
	return nil
}

// LoadEnv loads a .env file when present. A missing file is not an error.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file. ${VAR} references are expanded
// from the environment before decoding.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes, defaults and validates raw YAML.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Address returns the listen address of the HTTP server.
func (s ServerConfig) Address() string {
	return s.Host + ":" + s.Port
}
