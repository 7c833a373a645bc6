// Package config loads the server and CLI configuration from an optional TOML
// file and KISANDOST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/kisan-dost/internal/language"
	"github.com/spf13/viper"
)

const EnvPrefix = "KISANDOST"

const (
	BackendLangchain = "langchain"
	BackendGenAI     = "genai"
	BackendVertex    = "vertex"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Agmarknet AgmarknetConfig `mapstructure:"agmarknet"`
	Chat      ChatConfig      `mapstructure:"chat"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowedOrigins may open chat sockets in addition to the server's own host.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GeminiConfig struct {
	Backend     string `mapstructure:"backend"` // "langchain", "genai" or "vertex"
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"` // langchain backend only
	Project     string `mapstructure:"project"`  // vertex backend only
	Location    string `mapstructure:"location"` // vertex backend only
	Model       string `mapstructure:"model"`
	PromptsFile string `mapstructure:"prompts_file"`
	// HistoryTokens bounds the past exchanges resent per chat message; 0 disables the bound.
	HistoryTokens int `mapstructure:"history_tokens"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AgmarknetConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChatConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DefaultLanguage string        `mapstructure:"default_language"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8100")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("gemini.backend", BackendLangchain)
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("gemini.project", "")
	v.SetDefault("gemini.location", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.prompts_file", "")
	v.SetDefault("gemini.history_tokens", 2048)
	v.SetDefault("database.path", "kisan-dost.db")
	v.SetDefault("agmarknet.api_key", "")
	v.SetDefault("agmarknet.base_url", "https://api.data.gov.in/resource/9ef84268-d588-465a-a308-a864a43d0070")
	v.SetDefault("agmarknet.timeout", 10*time.Second)
	v.SetDefault("chat.request_timeout", 30*time.Second)
	v.SetDefault("chat.default_language", string(language.English))
}

// Load reads path (if not empty) and the environment. Environment variables
// win over the file, e.g. KISANDOST_GEMINI_API_KEY sets gemini.api_key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Gemini.Backend {
	case BackendLangchain, BackendGenAI:
	case BackendVertex:
		if c.Gemini.Project == "" || c.Gemini.Location == "" {
			return errors.New("gemini.project and gemini.location are required for the vertex backend")
		}
	default:
		return fmt.Errorf("unknown gemini backend %q", c.Gemini.Backend)
	}
	if c.Gemini.Model == "" {
		return errors.New("gemini model cannot be empty")
	}
	if c.Gemini.HistoryTokens < 0 {
		return errors.New("gemini.history_tokens cannot be negative")
	}
	if _, err := language.Parse(c.Chat.DefaultLanguage); err != nil {
		return fmt.Errorf("chat.default_language: %w", err)
	}
	if c.Chat.RequestTimeout <= 0 {
		return errors.New("chat.request_timeout must be positive")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	return nil
}

// DefaultLanguage returns the validated chat.default_language.
func (c *Config) DefaultLanguage() language.Code {
	code, err := language.Parse(c.Chat.DefaultLanguage)
	if err != nil {
		return language.English
	}
	return code
}
