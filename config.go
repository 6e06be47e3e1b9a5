package popbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Supported protocol names
const (
	ProtocolPOP3    = "pop3"
	ProtocolMaildir = "maildir"
)

// Config holds the settings of one account access
type Config struct {
	Protocol           string   `toml:"protocol"`
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	TLS                bool     `toml:"tls"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	Username           string   `toml:"username"`
	Password           string   `toml:"password"`
	Maildir            string   `toml:"maildir"`
	DialTimeout        Duration `toml:"dial_timeout"`

	// SyncFrequency is the minimum time between two remote syncs of one account.
	// Zero syncs on every open.
	SyncFrequency Duration `toml:"sync_frequency"`

	// RelaxReadOnly opens read-only folders in their best mode instead of
	// failing write-mode requests.
	RelaxReadOnly bool `toml:"relax_read_only"`

	Database string `toml:"database"`
	LogLevel string `toml:"log_level"`

	ContextID int    `toml:"context_id"`
	UserID    int    `toml:"user_id"`
	Locale    string `toml:"locale"`
}

// Duration is a time.Duration decoded from strings like "10m"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the settings used for keys absent from a config file
func DefaultConfig() *Config {
	return &Config{
		Protocol:      ProtocolPOP3,
		Port:          110,
		DialTimeout:   Duration{30 * time.Second},
		SyncFrequency: Duration{10 * time.Minute},
		Database:      "popbox.db",
		LogLevel:      "info",
		Locale:        "en",
	}
}

// LoadConfig reads a TOML config file over the defaults and validates it
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks that the settings needed by the selected protocol are present
func (c *Config) Validate() error {
	switch c.Protocol {
	case ProtocolPOP3:
		if c.Host == "" {
			return errors.New("config: host is required for pop3")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("config: invalid port %d", c.Port)
		}
		if c.Username == "" {
			return errors.New("config: username is required for pop3")
		}
	case ProtocolMaildir:
		if c.Maildir == "" {
			return errors.New("config: maildir is required for maildir")
		}
	default:
		return fmt.Errorf("config: unknown protocol %q", c.Protocol)
	}
	if c.SyncFrequency.Duration < 0 {
		return errors.New("config: sync_frequency cannot be negative")
	}
	return nil
}
