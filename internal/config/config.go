package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

const defaultWebPort = 8099

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	API       APIConfig       `yaml:"api"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Redaction RedactionConfig `yaml:"redaction,omitempty"`
	Web       WebConfig       `yaml:"web,omitempty"`
}

// APIConfig points at the community backend that stores submissions
// and serves predictions.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MailboxConfig holds IMAP settings for the mailbox being analyzed
type MailboxConfig struct {
	Provider string `yaml:"provider"` // "gmail", "outlook", "imap"
	Server   string `yaml:"server"`   // e.g., "imap.gmail.com"
	Port     int    `yaml:"port"`     // e.g., 993
	Email    string `yaml:"email"`    // Mailbox address
	Password string `yaml:"password"` // App password (not main password)
	Folder   string `yaml:"folder"`   // Folder to read (default: "INBOX")
}

// RedactionConfig holds the default toggles for the built-in rules,
// phrased as opt-outs so every rule starts enabled. Custom patterns
// live in the local store, not here, so they can be edited from the UI
// without rewriting the config file.
type RedactionConfig struct {
	DisableEmails bool `yaml:"disable_emails,omitempty"`
	DisablePhones bool `yaml:"disable_phones,omitempty"`
	DisableSSNs   bool `yaml:"disable_ssns,omitempty"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".phishpond", "config.yaml")
}

// DataDir is where the local store and other mutable state live.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".phishpond"
	}
	return filepath.Join(home, ".phishpond")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8000"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = defaultWebPort
	}

	// Set mailbox defaults
	if cfg.Mailbox.Folder == "" {
		cfg.Mailbox.Folder = "INBOX"
	}
	if cfg.Mailbox.Provider == "gmail" && cfg.Mailbox.Server == "" {
		cfg.Mailbox.Server = "imap.gmail.com"
		cfg.Mailbox.Port = 993
	}
	if cfg.Mailbox.Provider == "outlook" && cfg.Mailbox.Server == "" {
		cfg.Mailbox.Server = "outlook.office365.com"
		cfg.Mailbox.Port = 993
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api: base_url is required")
	}
	return nil
}

// ValidateMailbox validates mailbox configuration (only called when a
// command actually reads the mailbox)
func (c *Config) ValidateMailbox() error {
	if c.Mailbox.Email == "" {
		return fmt.Errorf("mailbox: email address is required")
	}
	if c.Mailbox.Password == "" {
		return fmt.Errorf("mailbox: password (app password) is required")
	}
	if c.Mailbox.Server == "" {
		return fmt.Errorf("mailbox: IMAP server is required")
	}
	if c.Mailbox.Port == 0 {
		return fmt.Errorf("mailbox: IMAP port is required")
	}
	return nil
}
