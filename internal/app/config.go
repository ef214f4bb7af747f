package app

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime wiring options. Values come from the
// environment (VEILCHAT_* variables, optionally via a .env file);
// commands may override individual fields from flags.
type Config struct {
	Home       string `envconfig:"HOME" default:"~/.veilchat"`
	Passphrase string `envconfig:"PASSPHRASE"`

	RelayURL string `envconfig:"RELAY_URL" default:"http://127.0.0.1:8080"`
	WSURL    string `envconfig:"WS_URL" default:"ws://127.0.0.1:8080/ws"`

	QueueMaxEntries    int `envconfig:"QUEUE_MAX_ENTRIES" default:"1000"`
	QueueMaxEntryBytes int `envconfig:"QUEUE_MAX_ENTRY_BYTES" default:"65536"`

	Debug bool `envconfig:"DEBUG"`
}

// LoadConfig reads a .env file when present, then the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("veilchat", &cfg); err != nil {
		return Config{}, err
	}
	home, err := expandHome(cfg.Home)
	if err != nil {
		return Config{}, err
	}
	cfg.Home = home
	return cfg, nil
}

// DBPath is the location of the encrypted local store.
func (c Config) DBPath() string { return filepath.Join(c.Home, "veilchat.db") }

func expandHome(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
