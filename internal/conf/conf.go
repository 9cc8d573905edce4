package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents application configuration
type Config struct {
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Secretary SecretaryConfig `mapstructure:"secretary"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Proactive ProactiveConfig `mapstructure:"proactive"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
	Silence   SilenceConfig   `mapstructure:"silence"`
	History   HistoryConfig   `mapstructure:"history"`

	// Prompts configuration (loaded from YAML, not from viper)
	Prompts *PromptsConfig `mapstructure:"-"`

	Debug bool `mapstructure:"debug"`
}

// AnalyzerConfig contains lightweight-model configuration
type AnalyzerConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float32 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	PromptLogging  bool    `mapstructure:"prompt_logging"`
}

// SecretaryConfig contains decision scheduling configuration
type SecretaryConfig struct {
	Alias                 string  `mapstructure:"alias"` // persona names, '|'-separated
	WaitingTimeSeconds    float64 `mapstructure:"waiting_time"`
	AnalysisOnMentionOnly bool    `mapstructure:"analysis_on_mention_only"`
	HistoryLimit          int     `mapstructure:"history_limit"`
}

// CacheConfig contains message cache configuration
type CacheConfig struct {
	ExpirySeconds int `mapstructure:"cache_expiry"`
	DedupWindowMS int `mapstructure:"dedup_window_ms"`
	PerChatLimit  int `mapstructure:"per_chat_limit"`
	TotalLimit    int `mapstructure:"total_limit"`
}

// ProactiveConfig contains proactive manager configuration
type ProactiveConfig struct {
	DeferIntervalSeconds int `mapstructure:"defer_interval_seconds"`
	MaxDeferrals         int `mapstructure:"max_deferrals"`
}

// WhitelistConfig gates which conversations are processed at all
type WhitelistConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	ChatIDs []string `mapstructure:"chat_ids"`
}

// SilenceConfig contains the silence-word settings
type SilenceConfig struct {
	SlapWords       string `mapstructure:"slap_words"` // '|'-separated
	DurationSeconds int    `mapstructure:"silence_duration"`
}

// HistoryConfig contains long-term history storage configuration
type HistoryConfig struct {
	DBPath        string `mapstructure:"db_path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// LoadConfig loads configuration from the given YAML file with
// environment variable overrides
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("analyzer.model", "gpt-4o-mini")
	v.SetDefault("analyzer.max_tokens", 512)
	v.SetDefault("analyzer.temperature", 0.1)
	v.SetDefault("analyzer.timeout_seconds", 30)
	v.SetDefault("analyzer.max_retries", 2)
	v.SetDefault("secretary.alias", "AngelHeart")
	v.SetDefault("secretary.waiting_time", 7.0)
	v.SetDefault("secretary.history_limit", 5)
	v.SetDefault("cache.cache_expiry", 3600)
	v.SetDefault("cache.dedup_window_ms", 500)
	v.SetDefault("cache.per_chat_limit", 1000)
	v.SetDefault("cache.total_limit", 100000)
	v.SetDefault("proactive.defer_interval_seconds", 5)
	v.SetDefault("proactive.max_deferrals", 3)
	v.SetDefault("silence.silence_duration", 600)
	v.SetDefault("history.retention_days", 30)

	v.AutomaticEnv()

	// config file is optional; defaults plus env are enough to run
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if apiKey := v.GetString("ANALYZER_API_KEY"); apiKey != "" {
		config.Analyzer.APIKey = apiKey
	}
	if baseURL := v.GetString("ANALYZER_BASE_URL"); baseURL != "" {
		config.Analyzer.BaseURL = baseURL
	}
	if model := v.GetString("ANALYZER_MODEL"); model != "" {
		config.Analyzer.Model = model
	}
	if v.GetString("DEBUG") == "true" {
		config.Debug = true
	}

	if config.History.DBPath == "" {
		homeDir, _ := os.UserHomeDir()
		config.History.DBPath = filepath.Join(homeDir, ".angelheart", "history.db")
	}

	prompts, err := LoadPromptsConfig(v.GetString("PROMPTS_CONFIG_PATH"))
	if err != nil {
		return nil, err
	}
	config.Prompts = prompts

	return &config, nil
}

// Aliases parses the '|'-separated alias setting
func (c *SecretaryConfig) Aliases() []string {
	return splitPipe(c.Alias)
}

// Words parses the '|'-separated slap-word setting
func (c *SilenceConfig) Words() []string {
	return splitPipe(c.SlapWords)
}

// WaitingTime returns the cooldown as a duration
func (c *SecretaryConfig) WaitingTime() time.Duration {
	return time.Duration(c.WaitingTimeSeconds * float64(time.Second))
}

func splitPipe(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Analyzer.APIKey == "" {
		return &ConfigError{Field: "analyzer.api_key/ANALYZER_API_KEY", Message: "required"}
	}
	if c.Analyzer.Model == "" {
		return &ConfigError{Field: "analyzer.model", Message: "required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
