package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CARE_DATABASE_URL overrides database.url.
const EnvPrefix = "CARE"

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Session   SessionConfig   `mapstructure:"session"`
	History   HistoryConfig   `mapstructure:"history"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Reminders RemindersConfig `mapstructure:"reminders"`
	Log       LogConfig       `mapstructure:"log"`

	v *viper.Viper
}

// ServerConfig stores HTTP listener settings.
type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	WebhookSecret string        `mapstructure:"webhook_secret"` // X-Telegram-Bot-Api-Secret-Token
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	URL           string `mapstructure:"url"`
	NotifyChannel string `mapstructure:"notify_channel"`
}

// TelegramConfig stores Bot API credentials.
type TelegramConfig struct {
	BotToken    string `mapstructure:"bot_token"`
	APIEndpoint string `mapstructure:"api_endpoint"` // format string with token and method
}

// LLMConfig stores language model settings.
type LLMConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	BaseURL      string  `mapstructure:"base_url"`
	ChatModel    string  `mapstructure:"chat_model"`
	SummaryModel string  `mapstructure:"summary_model"`
	VisionModel  string  `mapstructure:"vision_model"`
	Temperature  float32 `mapstructure:"temperature"`
}

// SessionConfig controls when a conversation session expires.
type SessionConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
}

// HistoryConfig controls the token budget of the agent context.
type HistoryConfig struct {
	MaxTokens       int  `mapstructure:"max_tokens"`        // estimated token budget
	MaxMessages     int  `mapstructure:"max_messages"`      // 0 disables the message cap
	KeepRecent      int  `mapstructure:"keep_recent"`       // verbatim window
	SummaryMaxChars int  `mapstructure:"summary_max_chars"` // cap on the summary message
	LLMSummaries    bool `mapstructure:"llm_summaries"`     // summarise with the LLM, extractive fallback
}

// AgentConfig controls the tool-calling loop.
type AgentConfig struct {
	MaxIterations   int    `mapstructure:"max_iterations"`
	ToolConcurrency int    `mapstructure:"tool_concurrency"`
	SystemPrompt    string `mapstructure:"system_prompt"` // empty uses the built-in persona
}

// RemindersConfig controls the medication reminder loop.
type RemindersConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("server.shutdown_grace", "10s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.notify_channel", "conversation_events")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.chat_model", "gpt-4o-mini")
	v.SetDefault("llm.summary_model", "")
	v.SetDefault("llm.vision_model", "")
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("session.inactivity_timeout", "15m")

	v.SetDefault("history.max_tokens", 8000)
	v.SetDefault("history.max_messages", 50)
	v.SetDefault("history.keep_recent", 10)
	v.SetDefault("history.summary_max_chars", 1000)
	v.SetDefault("history.llm_summaries", false)

	v.SetDefault("agent.max_iterations", 5)
	v.SetDefault("agent.tool_concurrency", 4)
	v.SetDefault("agent.system_prompt", "")

	v.SetDefault("reminders.enabled", true)
	v.SetDefault("reminders.interval", "1m")
	v.SetDefault("reminders.grace", "10m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// LoadConfig reads configuration from file or environment variables.  An
// empty path searches the working directory and /etc/care-companion for
// config.yaml; a missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/care-companion")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the history manager cannot work with.
func (c *Config) Validate() error {
	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session.inactivity_timeout must be positive, got %s", c.Session.InactivityTimeout)
	}
	if c.History.MaxTokens <= 0 {
		return fmt.Errorf("history.max_tokens must be positive, got %d", c.History.MaxTokens)
	}
	if c.History.MaxMessages < 0 || c.History.MaxMessages == 1 {
		return fmt.Errorf("history.max_messages must be 0 (no cap) or at least 2, got %d", c.History.MaxMessages)
	}
	if c.History.KeepRecent < 1 {
		return fmt.Errorf("history.keep_recent must be at least 1, got %d", c.History.KeepRecent)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LogLevel returns the parsed zerolog level, defaulting to info.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Watch re-reads the log level whenever the config file changes and hands it
// to apply.  Other settings are only read at startup.
func (c *Config) Watch(apply func(zerolog.Level)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		lvl, err := zerolog.ParseLevel(c.v.GetString("log.level"))
		if err != nil {
			return
		}
		c.Log.Level = lvl.String()
		apply(lvl)
	})
	c.v.WatchConfig()
}
