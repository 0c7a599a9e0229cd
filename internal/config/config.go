package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionRetention         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	LLMClientMode     string
	LLMModel          string
	LLMBaseURL        string
	LLMAPIKey         string
	LLMTemperature    float64
	LLMRequestTimeout time.Duration

	ChatPipeline         string
	ChatSystemPrompt     string
	ChatSeedSystemPrompt bool
	ChatTitle            string
	ChatInputPlaceholder string
	ChatNetworkErrorText string

	DatabaseURL string
}

const configFileEnv = "APP_CONFIG_FILE"

// Defaults target a local Ollama server exposing its OpenAI-compatible API.
var defaults = map[string]any{
	"APP_BIND_ADDR":                  ":8080",
	"APP_SHUTDOWN_TIMEOUT":           "15s",
	"APP_SESSION_INACTIVITY_TIMEOUT": "30m",
	"APP_SESSION_RETENTION":          "5m",
	"APP_METRICS_NAMESPACE":          "localchat",
	"APP_ALLOW_ANY_ORIGIN":           "false",
	"APP_LOG_LEVEL":                  "info",
	"APP_LOG_FORMAT":                 "json",
	"LLM_CLIENT_MODE":                "auto",
	"LLM_MODEL":                      "lucas2024/gemma-2-2b-jpn-it:q8_0",
	"LLM_BASE_URL":                   "http://localhost:11434/v1",
	"LLM_API_KEY":                    "ollama",
	"LLM_TEMPERATURE":                "0.6",
	"LLM_REQUEST_TIMEOUT":            "2m",
	"CHAT_PIPELINE":                  "direct",
	"CHAT_SYSTEM_PROMPT":             "あなたは役に立つアシスタントです。",
	"CHAT_SEED_SYSTEM_PROMPT":        "true",
	"CHAT_TITLE":                     "Local Chat",
	"CHAT_INPUT_PLACEHOLDER":         "AIに聞きたいことを書いてね",
	"CHAT_NETWORK_ERROR_TEXT":        "",
	"DATABASE_URL":                   "",
}

// Load reads environment variables, and the YAML file named by
// APP_CONFIG_FILE when set, then applies safe defaults. Environment values
// win over file values.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if path := strings.TrimSpace(v.GetString(configFileEnv)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%s read error: %w", configFileEnv, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	str := func(key string) string { return strings.TrimSpace(v.GetString(key)) }

	cfg := Config{
		BindAddr:             str("APP_BIND_ADDR"),
		MetricsNamespace:     str("APP_METRICS_NAMESPACE"),
		LogLevel:             strings.ToLower(str("APP_LOG_LEVEL")),
		LogFormat:            strings.ToLower(str("APP_LOG_FORMAT")),
		LLMClientMode:        strings.ToLower(str("LLM_CLIENT_MODE")),
		LLMModel:             str("LLM_MODEL"),
		LLMBaseURL:           str("LLM_BASE_URL"),
		LLMAPIKey:            str("LLM_API_KEY"),
		ChatPipeline:         strings.ToLower(str("CHAT_PIPELINE")),
		ChatSystemPrompt:     str("CHAT_SYSTEM_PROMPT"),
		ChatTitle:            str("CHAT_TITLE"),
		ChatInputPlaceholder: str("CHAT_INPUT_PLACEHOLDER"),
		ChatNetworkErrorText: str("CHAT_NETWORK_ERROR_TEXT"),
		DatabaseURL:          str("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = parseDuration("APP_SHUTDOWN_TIMEOUT", str("APP_SHUTDOWN_TIMEOUT")); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = parseDuration("APP_SESSION_INACTIVITY_TIMEOUT", str("APP_SESSION_INACTIVITY_TIMEOUT")); err != nil {
		return Config{}, err
	}
	if cfg.SessionRetention, err = parseDuration("APP_SESSION_RETENTION", str("APP_SESSION_RETENTION")); err != nil {
		return Config{}, err
	}
	if cfg.LLMRequestTimeout, err = parseDuration("LLM_REQUEST_TIMEOUT", str("LLM_REQUEST_TIMEOUT")); err != nil {
		return Config{}, err
	}
	if cfg.LLMTemperature, err = parseFloat("LLM_TEMPERATURE", str("LLM_TEMPERATURE")); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = parseBool("APP_ALLOW_ANY_ORIGIN", str("APP_ALLOW_ANY_ORIGIN")); err != nil {
		return Config{}, err
	}
	if cfg.ChatSeedSystemPrompt, err = parseBool("CHAT_SEED_SYSTEM_PROMPT", str("CHAT_SEED_SYSTEM_PROMPT")); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionRetention < 0 {
		return fmt.Errorf("APP_SESSION_RETENTION must be >= 0")
	}
	if cfg.LLMRequestTimeout <= 0 {
		return fmt.Errorf("LLM_REQUEST_TIMEOUT must be positive")
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 1 {
		return fmt.Errorf("LLM_TEMPERATURE must be within [0,1], got %v", cfg.LLMTemperature)
	}
	switch cfg.LLMClientMode {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("LLM_CLIENT_MODE must be one of auto|openai|mock, got %q", cfg.LLMClientMode)
	}
	switch cfg.ChatPipeline {
	case "direct", "template":
	default:
		return fmt.Errorf("CHAT_PIPELINE must be one of direct|template, got %q", cfg.ChatPipeline)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be one of json|console, got %q", cfg.LogFormat)
	}
	if cfg.LLMModel == "" {
		return fmt.Errorf("LLM_MODEL must not be empty")
	}
	return nil
}

// SeedPrompt is the system prompt to place at index 0 of new
// conversations, or "" when conversations start empty.
func (cfg Config) SeedPrompt() string {
	if !cfg.ChatSeedSystemPrompt || cfg.ChatPipeline == "template" {
		return ""
	}
	return cfg.ChatSystemPrompt
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func parseFloat(key, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func parseBool(key, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
