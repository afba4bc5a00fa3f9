package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	AI         AIConfig         `yaml:"ai"`
	Backup     BackupConfig     `yaml:"backup"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type LedgerConfig struct {
	// Path is the plain-text ledger file all appends go to.
	Path string `yaml:"path"`
	// LockTimeout bounds how long a writer waits for the exclusive file lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// DefaultCurrency is used when a template or extraction omits one.
	DefaultCurrency string `yaml:"default_currency"`
}

type SchedulerConfig struct {
	// Workers is the fixed worker pool size; a configuration constant, not
	// derived from load.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// MisfireGrace bounds how late a missed fire may still run as a catch-up.
	MisfireGrace    time.Duration `yaml:"misfire_grace"`
	DefaultTimezone string        `yaml:"default_timezone"`
}

type AIConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
}

type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

type BackupConfig struct {
	Dir           string        `yaml:"dir"`
	Retention     int           `yaml:"retention"` // newest N copies kept, 0 keeps all
	Hour          int           `yaml:"hour"`      // daily schedule, evaluated in Timezone
	Minute        int           `yaml:"minute"`
	Timezone      string        `yaml:"timezone"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	Rclone        RcloneConfig  `yaml:"rclone"`
}

type RcloneConfig struct {
	Enabled bool   `yaml:"enabled"`
	Remote  string `yaml:"remote"`
	Folder  string `yaml:"folder"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the optional OTLP gRPC exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `yaml:"cors"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig returns the built-in defaults; the config file and
// environment override them field by field.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "beanbrain",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:            "./data/budget.beancount",
			LockTimeout:     5 * time.Second,
			DefaultCurrency: "USD",
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			QueueSize:       64,
			MisfireGrace:    time.Hour,
			DefaultTimezone: "UTC",
		},
		AI: AIConfig{
			OpenAI: OpenAIConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4.1-nano",
				Temperature: 0.3,
				MaxTokens:   500,
				Timeout:     30 * time.Second,
				MaxRetries:  3,
			},
		},
		Backup: BackupConfig{
			Dir:           "./data/backups",
			Retention:     30,
			Hour:          0,
			Minute:        0,
			Timezone:      "UTC",
			WatchDebounce: 30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/beanbrain.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "beanbrain",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
	}
}
