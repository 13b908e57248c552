package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is used when no config path is supplied.
const DefaultPath = "config.json"

// Config represents runtime configuration for the chat client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Assistant   AssistantConfig           `json:"assistant"`
	Speech      SpeechConfig              `json:"speech"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	APIToken      string `json:"api_token"`
	Username      string `json:"username"`
	DataDir       string `json:"data_dir"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// RedisConfig is optional; an empty Host disables the event publisher.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type AssistantConfig struct {
	Provider              string `json:"provider"`
	Model                 string `json:"model"`
	MaxHistory            int    `json:"max_history"`
	WebSearch             bool   `json:"web_search"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	PersonaSeed           int64  `json:"persona_seed"`
}

type SpeechConfig struct {
	Enabled        bool     `json:"enabled"`
	Model          string   `json:"model"`
	APIKey         string   `json:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	RecordCommand  []string `json:"record_command"`
	MIMEType       string   `json:"mime_type"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	dataDir := defaultDataDir()
	dsn := filepath.Join(dataDir, "mikuai1.db")
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress: "127.0.0.1:8090",
			DataDir:       dataDir,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: dsn},
			"sqlite":  {DSN: dsn},
		},
		Providers: map[string]ProviderConfig{
			"openai": {Model: "gpt-4o-mini"},
			"gemini": {Model: "gemini-2.5-flash"},
			"claude": {Model: "claude-sonnet-4-5"},
		},
		Assistant: AssistantConfig{
			Provider:   "openai",
			MaxHistory: 40,
		},
		Speech: SpeechConfig{
			Model:          "gemini-2.5-flash",
			TimeoutSeconds: 10,
			MIMEType:       "audio/wav",
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error: built-in defaults are used instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	cfg := Default()
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	baseDir := filepath.Dir(absPath)
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv fills provider keys from <PROVIDER>_API_KEY when the file leaves them empty.
func (c *Config) applyEnv() {
	for name, p := range c.Providers {
		if p.APIKey == "" {
			p.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
			c.Providers[name] = p
		}
	}
	if c.Speech.APIKey == "" {
		c.Speech.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Provider returns the settings of the configured assistant provider.
func (c *Config) Provider() (string, ProviderConfig, error) {
	name := strings.ToLower(strings.TrimSpace(c.Assistant.Provider))
	if name == "" {
		return "", ProviderConfig{}, errors.New("assistant provider must be configured")
	}
	p, ok := c.Providers[name]
	if !ok {
		return "", ProviderConfig{}, fmt.Errorf("provider %s not configured", name)
	}
	if c.Assistant.Model != "" {
		p.Model = c.Assistant.Model
	}
	return name, p, nil
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".local", "share", "miku")
}
