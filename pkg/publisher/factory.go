package publisher

import (
	"fmt"
	"log/slog"
	"os"
)

// Config describes one account's channel. Secrets can be given inline or by
// the name of an environment variable holding them.
type Config struct {
	Type string `mapstructure:"type"`

	// bluesky
	Service     string `mapstructure:"service"`
	Identifier  string `mapstructure:"identifier"`
	Password    string `mapstructure:"password"`
	PasswordEnv string `mapstructure:"password_env"`

	// webhook, slack
	URL       string `mapstructure:"url"`
	Secret    string `mapstructure:"secret"`
	SecretEnv string `mapstructure:"secret_env"`
	Channel   string `mapstructure:"channel"`

	// telegram
	Token         string `mapstructure:"token"`
	TokenEnv      string `mapstructure:"token_env"`
	ChatID        string `mapstructure:"chat_id"`
	RatePerSecond int    `mapstructure:"rate_per_second"`

	// kafka
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Types lists the supported publisher types.
var Types = []string{"bluesky", "webhook", "slack", "telegram", "kafka", "stdout"}

// New builds the publisher for an account.
func New(account string, cfg Config, logger *slog.Logger) (Publisher, error) {
	var (
		p   Publisher
		err error
	)
	switch cfg.Type {
	case "bluesky":
		password := secret(cfg.Password, cfg.PasswordEnv)
		if cfg.Identifier == "" || password == "" {
			return nil, fmt.Errorf("account %s: bluesky needs identifier and password", account)
		}
		p = NewBluesky(cfg.Service, cfg.Identifier, password)
	case "webhook":
		if cfg.URL == "" {
			return nil, fmt.Errorf("account %s: webhook needs url", account)
		}
		p = NewWebhook(cfg.URL, secret(cfg.Secret, cfg.SecretEnv))
	case "slack":
		if cfg.URL == "" {
			return nil, fmt.Errorf("account %s: slack needs url", account)
		}
		p = NewSlack(cfg.URL, cfg.Channel)
	case "telegram":
		token := secret(cfg.Token, cfg.TokenEnv)
		if token == "" || cfg.ChatID == "" {
			return nil, fmt.Errorf("account %s: telegram needs token and chat_id", account)
		}
		p, err = NewTelegram(token, cfg.ChatID, cfg.URL, cfg.RatePerSecond)
	case "kafka":
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, fmt.Errorf("account %s: kafka needs brokers and topic", account)
		}
		p = NewKafka(cfg.Brokers, cfg.Topic)
	case "stdout":
		p = NewStdout(os.Stdout)
	default:
		return nil, fmt.Errorf("account %s: unknown publisher type %q", account, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", account, err)
	}

	logger.Debug("publisher configured", "account", account, "type", p.Name())
	return p, nil
}

func secret(inline, envName string) string {
	if inline != "" {
		return inline
	}
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
