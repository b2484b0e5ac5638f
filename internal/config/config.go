package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Account holds the local user's identity and sending preferences.
type Account struct {
	Addr         string `toml:"addr"`
	DisplayName  string `toml:"display_name"`
	Signature    string `toml:"signature"`
	ReadReceipts bool   `toml:"read_receipts"`
}

// IMAP holds the remote mailbox connection settings.
type IMAP struct {
	Server      string `toml:"server"` // host:port, implicit TLS
	User        string `toml:"user"`
	Password    string `toml:"password"`
	ChatsFolder string `toml:"chats_folder"`
	SentFolder  string `toml:"sent_folder"`
}

// SMTP holds the mail submission settings.
type SMTP struct {
	Server   string `toml:"server"` // host:port, implicit TLS
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Config represents a mailchat config.toml. The global
// ~/.mailchat/config.toml only carries default_profile; the per-profile
// config carries the account and transport sections.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Account        Account `toml:"account"`
	IMAP           IMAP    `toml:"imap"`
	SMTP           SMTP    `toml:"smtp"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
