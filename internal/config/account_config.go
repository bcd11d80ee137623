package config

import (
	"fmt"
	"os"

	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AccountConfig is the accounts.yaml file seeding trading accounts.
type AccountConfig struct {
	Accounts []AccountEntry `yaml:"accounts" validate:"dive"`
}

// AccountEntry represents a single trading account
type AccountEntry struct {
	ID      string `yaml:"id" validate:"required"`
	Name    string `yaml:"name"`
	OwnerID *int64 `yaml:"owner_id,omitempty"`

	Exchange     string `yaml:"exchange"`
	APIKey       string `yaml:"api_key"`
	SecretKey    string `yaml:"secret_key"`
	Testnet      bool   `yaml:"testnet"`
	PositionMode string `yaml:"position_mode" validate:"omitempty,oneof=hedge one-way auto"`

	Source   SourceEntry `yaml:"source"`
	Channels []string    `yaml:"channels"`

	Leverage          int     `yaml:"leverage" validate:"omitempty,min=1,max=125"`
	RiskPercentage    float64 `yaml:"risk_percentage" validate:"gte=0,lte=100"`
	BalanceMode       string  `yaml:"balance_mode" validate:"omitempty,oneof=percentage fixed"`
	BalancePercentage float64 `yaml:"balance_percentage" validate:"gte=0,lte=100"`
	FixedAmount       float64 `yaml:"fixed_amount" validate:"gte=0"`
	QuoteAsset        string  `yaml:"quote_asset"`

	TakeProfitLevels []models.TakeProfitLevel `yaml:"take_profit_levels"`
	StopLossPercent  float64                  `yaml:"stop_loss_percent" validate:"gte=0,lt=100"`
	Trailing         models.TrailingConfig    `yaml:"trailing"`

	UseSignalSettings bool   `yaml:"use_signal_settings"`
	CreateSLTP        *bool  `yaml:"create_sl_tp,omitempty"`
	WebhookNotify     bool   `yaml:"webhook_notify"`
	WebhookURL        string `yaml:"webhook_url" validate:"omitempty,url"`
	NotifyChatID      int64  `yaml:"notify_chat_id"`
}

// SourceEntry names the message source an account reads channels from.
type SourceEntry struct {
	Kind        string            `yaml:"kind" validate:"omitempty,oneof=telegram mail"`
	Credentials map[string]string `yaml:"credentials"`
}

// LoadAccountConfig loads account configuration from a YAML file
func LoadAccountConfig(filename string) (*AccountConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read account config file: %w", err)
	}
	return ParseAccountConfig(data)
}

// ParseAccountConfig decodes and validates raw accounts YAML, expanding ${VAR} references.
func ParseAccountConfig(data []byte) (*AccountConfig, error) {
	var config AccountConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse account config file: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid account config: %w", err)
	}

	seen := make(map[string]bool, len(config.Accounts))
	for _, a := range config.Accounts {
		if seen[a.ID] {
			return nil, fmt.Errorf("invalid account config: duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.WebhookNotify && a.WebhookURL == "" {
			return nil, fmt.Errorf("invalid account config: account %q enables webhook_notify without webhook_url", a.ID)
		}
	}

	return &config, nil
}

// ToModel converts the entry into a persisted account with defaults applied.
func (e *AccountEntry) ToModel() *models.Account {
	createSLTP := true
	if e.CreateSLTP != nil {
		createSLTP = *e.CreateSLTP
	}

	account := &models.Account{
		ID:                e.ID,
		Name:              e.Name,
		OwnerID:           e.OwnerID,
		Exchange:          e.Exchange,
		APIKey:            e.APIKey,
		SecretKey:         e.SecretKey,
		Testnet:           e.Testnet,
		PositionMode:      e.PositionMode,
		SourceKind:        e.Source.Kind,
		SourceCredentials: e.Source.Credentials,
		Channels:          e.Channels,
		Leverage:          e.Leverage,
		RiskPercentage:    e.RiskPercentage,
		BalanceMode:       models.BalanceMode(e.BalanceMode),
		BalancePercentage: e.BalancePercentage,
		FixedAmount:       e.FixedAmount,
		QuoteAsset:        e.QuoteAsset,
		TakeProfitLevels:  e.TakeProfitLevels,
		StopLossPercent:   e.StopLossPercent,
		Trailing:          e.Trailing,
		UseSignalSettings: e.UseSignalSettings,
		CreateSLTP:        createSLTP,
		WebhookNotify:     e.WebhookNotify,
		WebhookURL:        e.WebhookURL,
		NotifyChatID:      e.NotifyChatID,
	}
	account.ApplyDefaults()
	return account
}
