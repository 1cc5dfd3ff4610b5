package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Research  ResearchConfig  `mapstructure:"research"`
	Databases DatabasesConfig `mapstructure:"databases"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen   string `mapstructure:"listen"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig contains completion-provider settings. API keys and model names
// arrive per request; only transport-level knobs live here.
type LLMConfig struct {
	WorkTimeout  time.Duration `mapstructure:"work_timeout"`
	FinalTimeout time.Duration `mapstructure:"final_timeout"`
	WorkTokens   int           `mapstructure:"work_max_tokens"`
	FinalTokens  int           `mapstructure:"final_max_tokens"`
}

// SearchConfig selects the web search engine
type SearchConfig struct {
	Provider         string        `mapstructure:"provider"` // serper | brave
	APIKey           string        `mapstructure:"api_key"`
	ResultsPerQuery  int           `mapstructure:"results_per_query"`
	QueryDelay       time.Duration `mapstructure:"query_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// FetchConfig controls the headless page fetcher
type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxChars      int           `mapstructure:"max_chars"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Retries       int           `mapstructure:"retries"`
}

// ResearchConfig holds pipeline policy knobs
type ResearchConfig struct {
	MaxClarifyURLs int `mapstructure:"max_clarify_urls"`
	MaxPickURLs    int `mapstructure:"max_pick_urls"`
}

type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from either the URL or host parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// LoadConfig reads configuration from file and environment. Environment
// variables use the DEEPSCOUT_ prefix with dots replaced by underscores
// (e.g. DEEPSCOUT_DATABASES_POSTGRES_URL).
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.listen", ":10002")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("llm.work_timeout", "60s")
	viper.SetDefault("llm.final_timeout", "600s")
	viper.SetDefault("llm.work_max_tokens", 8000)
	viper.SetDefault("llm.final_max_tokens", 32000)
	viper.SetDefault("search.provider", "serper")
	viper.SetDefault("search.results_per_query", 20)
	viper.SetDefault("search.query_delay", "1500ms")
	viper.SetDefault("search.timeout", "20s")
	viper.SetDefault("fetch.timeout", "30s")
	viper.SetDefault("fetch.max_chars", 20000)
	viper.SetDefault("fetch.max_concurrent", 6)
	viper.SetDefault("fetch.retries", 1)
	viper.SetDefault("research.max_clarify_urls", 15)
	viper.SetDefault("research.max_pick_urls", 20)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEPSCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; defaults + env are enough to boot
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error unmarshalling config: %w", err))
	}
	return &cfg
}
