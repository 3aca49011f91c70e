// Package config loads mailvault settings from a YAML, TOML or JSON
// file, with MAILVAULT_* environment variables taking precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "MAILVAULT"

// Source kinds.
const (
	KindIMAP  = "imap"
	KindGmail = "gmail"
)

// Coordinator and queue backends.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendNATS   = "nats"
)

// SourceConfig describes the remote mailbox.
type SourceConfig struct {
	Kind     string `mapstructure:"kind"`
	Mailbox  string `mapstructure:"mailbox"`
	Address  string `mapstructure:"address"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`

	// Password is looked up in the keyring when empty.
	Password string `mapstructure:"password"`

	// Security is "tls", "starttls" or "none".
	Security string `mapstructure:"security"`

	// RateLimit is IMAP commands, or Gmail quota units, per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	MaxConns  int     `mapstructure:"max_conns"`

	GmailTokenCommand string `mapstructure:"gmail_token_command"`
	GmailUser         string `mapstructure:"gmail_user"`
	GmailAPIKey       string `mapstructure:"gmail_api_key"`
}

// StoreConfig selects the identity store database.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type CoordinatorConfig struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
	NATSURL string `mapstructure:"nats_url"`
	Bucket  string `mapstructure:"bucket"`
}

type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	NATSURL  string `mapstructure:"nats_url"`
	Stream   string `mapstructure:"stream"`
}

type StagingConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	Ext     string `mapstructure:"ext"`
}

type SyncConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	BatchSize    int           `mapstructure:"batch_size"`
	Strict       bool          `mapstructure:"strict"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the whole configuration.
type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Store       StoreConfig       `mapstructure:"store"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Staging     StagingConfig     `mapstructure:"staging"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Log         LogConfig         `mapstructure:"log"`
}

var defaults = map[string]interface{}{
	"source.kind":                KindIMAP,
	"source.mailbox":             "INBOX",
	"source.address":             "",
	"source.host":                "",
	"source.port":                993,
	"source.username":            "",
	"source.password":            "",
	"source.security":            "tls",
	"source.rate_limit":          0.0,
	"source.max_conns":           4,
	"source.gmail_token_command": "",
	"source.gmail_user":          "",
	"source.gmail_api_key":       "",

	"store.driver": "sqlite3",
	"store.dsn":    "~/.local/share/mailvault/mailvault.db",

	"coordinator.backend":  BackendSQL,
	"coordinator.prefix":   "mailvault",
	"coordinator.nats_url": "nats://127.0.0.1:4222",
	"coordinator.bucket":   "mailvault_runs",

	"queue.backend":  BackendMemory,
	"queue.capacity": 16,
	"queue.nats_url": "nats://127.0.0.1:4222",
	"queue.stream":   "MAILVAULT_WORK",

	"staging.base_dir": "~/.local/share/mailvault/staging",
	"staging.ext":      "eml",

	"sync.concurrency":   4,
	"sync.batch_size":    50,
	"sync.strict":        false,
	"sync.poll_interval": "2s",

	"log.level":  "info",
	"log.format": "auto",
}

// DefaultPath returns ~/.config/mailvault/config.yaml.
func DefaultPath() string {
	p, err := ExpandHome("~/.config/mailvault/config.yaml")
	if err != nil {
		return "config.yaml"
	}
	return p
}

// Load reads the configuration file at path.  A missing file is not
// an error when path is the default; every setting then comes from
// defaults and the environment.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		missing := notFound || os.IsNotExist(errors.Cause(err))
		if explicit || !missing {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return &cfg, nil
}

func (c *Config) expand() error {
	var err error
	if c.Staging.BaseDir, err = ExpandHome(c.Staging.BaseDir); err != nil {
		return errors.Wrap(err, "expanding staging.base_dir")
	}
	if c.Store.Driver != "postgres" {
		if c.Store.DSN, err = ExpandHome(c.Store.DSN); err != nil {
			return errors.Wrap(err, "expanding store.dsn")
		}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Errorf("%s is %q; want one of %s", field, value, strings.Join(allowed, ", "))
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	checks := []error{
		oneOf("source.kind", c.Source.Kind, KindIMAP, KindGmail),
		oneOf("store.driver", c.Store.Driver, "sqlite3", "sqlite", "postgres"),
		oneOf("coordinator.backend", c.Coordinator.Backend, BackendMemory, BackendSQL, BackendNATS),
		oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendNATS),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	switch {
	case c.Source.Mailbox == "":
		return errors.New("source.mailbox is empty")
	case c.Staging.BaseDir == "":
		return errors.New("staging.base_dir is empty")
	case c.Sync.Concurrency < 1:
		return errors.Errorf("sync.concurrency is %d; want at least 1", c.Sync.Concurrency)
	case c.Sync.BatchSize < 1:
		return errors.Errorf("sync.batch_size is %d; want at least 1", c.Sync.BatchSize)
	}
	return nil
}
