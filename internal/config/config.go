package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/publisher"
)

// Config holds all jmaalert configuration.
type Config struct {
	Feed     FeedConfig                  `mapstructure:"feed"`
	Storage  StorageConfig               `mapstructure:"storage"`
	Run      RunConfig                   `mapstructure:"run"`
	Publish  PublishConfig               `mapstructure:"publish"`
	Compose  ComposeConfig               `mapstructure:"compose"`
	Serve    ServeConfig                 `mapstructure:"serve"`
	Metrics  MetricsConfig               `mapstructure:"metrics"`
	Taxonomy TaxonomyConfig              `mapstructure:"taxonomy"`
	Logging  LoggingConfig               `mapstructure:"logging"`
	Areas    []AreaConfig                `mapstructure:"areas"`
	Accounts map[string]publisher.Config `mapstructure:"accounts"`
}

// FeedConfig defines where bulletins come from.
type FeedConfig struct {
	URL               string        `mapstructure:"url"`
	ItemTitle         string        `mapstructure:"item_title"`
	WarningType       string        `mapstructure:"warning_type"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CheckLastModified bool          `mapstructure:"check_last_modified"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// RunConfig defines one-shot run behavior.
type RunConfig struct {
	StartDelay  time.Duration `mapstructure:"start_delay"`
	LockFile    string        `mapstructure:"lock_file"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// PublishConfig defines the retry policy for publishers.
type PublishConfig struct {
	Retries  int           `mapstructure:"retries"`
	Interval time.Duration `mapstructure:"interval"`
}

// ComposeConfig defines post rendering.
type ComposeConfig struct {
	Timezone   string `mapstructure:"timezone"`
	LinkFormat string `mapstructure:"link_format"`
}

// ServeConfig defines the long-running mode.
type ServeConfig struct {
	Listen   string `mapstructure:"listen"`
	Schedule string `mapstructure:"schedule"`
}

// MetricsConfig defines metrics export.
type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway"`
}

// TaxonomyConfig points at an alternative hazard table.
type TaxonomyConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AreaConfig is one watched municipality.
type AreaConfig struct {
	Code       string       `mapstructure:"code"`
	Name       string       `mapstructure:"name"`
	NameEN     string       `mapstructure:"name_en"`
	Prefecture string       `mapstructure:"prefecture"`
	Tags       string       `mapstructure:"tags"`
	TagsEN     string       `mapstructure:"tags_en"`
	Accounts   AreaAccounts `mapstructure:"accounts"`
}

// AreaAccounts names the account receiving each tier in each language.
type AreaAccounts struct {
	Advisory    string `mapstructure:"advisory"`
	Warning     string `mapstructure:"warning"`
	Emergency   string `mapstructure:"emergency"`
	AdvisoryEN  string `mapstructure:"advisory_en"`
	WarningEN   string `mapstructure:"warning_en"`
	EmergencyEN string `mapstructure:"emergency_en"`
}

// ByTier arranges the account names by tier and language. Names are
// lowercased to match viper's map keys.
func (a AreaAccounts) ByTier() map[model.Tier]map[model.Lang]string {
	out := make(map[model.Tier]map[model.Lang]string)
	add := func(tier model.Tier, lang model.Lang, name string) {
		if name == "" {
			return
		}
		if out[tier] == nil {
			out[tier] = make(map[model.Lang]string)
		}
		out[tier][lang] = strings.ToLower(name)
	}
	add(model.TierAdvisory, model.LangJA, a.Advisory)
	add(model.TierWarning, model.LangJA, a.Warning)
	add(model.TierEmergency, model.LangJA, a.Emergency)
	add(model.TierAdvisory, model.LangEN, a.AdvisoryEN)
	add(model.TierWarning, model.LangEN, a.WarningEN)
	add(model.TierEmergency, model.LangEN, a.EmergencyEN)
	return out
}

// Load reads configuration from file and environment variables. A .env file
// in the working directory is loaded first when present.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()

	home, _ := os.UserHomeDir()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home != "" {
			v.AddConfigPath(filepath.Join(home, ".jmaalert"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	dataDir := filepath.Join(home, ".jmaalert")
	v.SetDefault("feed.url", "https://www.data.jma.go.jp/developer/xml/feed/extra.xml")
	v.SetDefault("feed.item_title", "気象特別警報・警報・注意報")
	v.SetDefault("feed.warning_type", "気象警報・注意報（市町村等）")
	v.SetDefault("feed.timeout", "30s")
	v.SetDefault("feed.check_last_modified", true)
	v.SetDefault("feed.user_agent", "jmaalert/1.0")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(dataDir, "jmaalert.db"))
	v.SetDefault("run.start_delay", "20s")
	v.SetDefault("run.lock_file", filepath.Join(dataDir, "lock"))
	v.SetDefault("run.lock_timeout", "540s")
	v.SetDefault("publish.retries", 3)
	v.SetDefault("publish.interval", "10s")
	v.SetDefault("compose.timezone", "Asia/Tokyo")
	v.SetDefault("compose.link_format", "https://www.jma.go.jp/bosai/warning/#area_type=class20s&area_code=%s&lang=%s")
	v.SetDefault("serve.listen", ":8080")
	v.SetDefault("serve.schedule", "*/5 * * * *")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	// Environment variables
	v.SetEnvPrefix("JMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings a run depends on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not sqlite or postgres", c.Storage.Driver))
	}

	if c.Publish.Retries < 1 {
		errs = append(errs, errors.New("publish.retries must be at least 1"))
	}

	for name, acct := range c.Accounts {
		if !slices.Contains(publisher.Types, acct.Type) {
			errs = append(errs, fmt.Errorf("accounts.%s: unknown type %q", name, acct.Type))
		}
	}

	if len(c.Areas) == 0 {
		errs = append(errs, errors.New("at least one area is required"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Areas {
		if a.Code == "" {
			errs = append(errs, fmt.Errorf("areas[%d]: code is required", i))
			continue
		}
		if seen[a.Code] {
			errs = append(errs, fmt.Errorf("areas[%d]: duplicate code %s", i, a.Code))
		}
		seen[a.Code] = true
		if a.Prefecture == "" {
			errs = append(errs, fmt.Errorf("area %s: prefecture is required", a.Code))
		}
		for _, langs := range a.Accounts.ByTier() {
			for _, name := range langs {
				if _, ok := c.Accounts[name]; !ok {
					errs = append(errs, fmt.Errorf("area %s: account %q is not defined", a.Code, name))
				}
			}
		}
	}

	return errors.Join(errs...)
}
