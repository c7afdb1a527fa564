package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LLMConfig holds the completion provider configuration. Model, MaxTokens and
// Temperature are fixed for every call made by the process.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	// AllowedOrigins lists the Origin values accepted on websocket upgrade.
	// Empty means same-host only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxFrameBytes caps the size of a single inbound websocket frame.
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
}

// DatabaseConfig holds the conversation store configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration. File is optional; when set, logs
// are also written to a rotated file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TelemetryConfig holds the OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Dir         string `mapstructure:"dir"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "deepseek")
	v.SetDefault("llm.base_url", "https://api.deepseek.com")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.temperature", 0.8)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_frame_bytes", 64*1024)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.pong_wait", "60s")

	v.SetDefault("database.path", "charchat.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dir", "logs")
	v.SetDefault("telemetry.service_name", "charchat")
}

// Load loads the configuration from the file named by CONFIG_PATH, or from
// config.yaml in the working directory. A missing file is not an error; every
// key has a default and can be overridden with a CHARCHAT_ prefixed env var.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("charchat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
