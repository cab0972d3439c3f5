package config

import (
	"fmt"
	"time"
)

// Config holds runtime configuration for the forward bot.
type Config struct {
	AppEnv string

	Bot       BotConfig       `mapstructure:"bot" validate:"required"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Language  string          `mapstructure:"language"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Spam      SpamConfig      `mapstructure:"spam"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

// BotConfig configures the Telegram transport and the worker pool.
type BotConfig struct {
	Token   string        `mapstructure:"token" validate:"required"`
	GroupID int64         `mapstructure:"group_id" validate:"required"`
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Workers int           `mapstructure:"workers" validate:"min=1"`
	// QueueSize bounds each worker lane's channel.
	QueueSize int `mapstructure:"queue_size"`
	// BannedNotice tells banned users their messages are not delivered;
	// the default is a silent drop.
	BannedNotice bool `mapstructure:"banned_notice"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     string `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type SentryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// CaptchaConfig gates first contact behind a verification challenge.
// Mode is "disable" or "math"; TTL bounds how long an unanswered challenge
// stays pending before the user silently falls back to unverified.
type CaptchaConfig struct {
	Mode string        `mapstructure:"mode" validate:"omitempty,oneof=disable math"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type SpamConfig struct {
	// KeywordsFile mirrors the keyword table to a human-editable JSON file.
	// When the file exists at startup it is authoritative.
	KeywordsFile string `mapstructure:"keywords_file"`
	// CheckAll applies the filter to every inbound message instead of only
	// first contact.
	CheckAll bool `mapstructure:"check_all"`
}

type BroadcastConfig struct {
	Concurrency   int `mapstructure:"concurrency" validate:"omitempty,min=1"`
	RatePerMinute int `mapstructure:"rate_per_minute"`
}

type CleanupConfig struct {
	// MessageRetention bounds how long forwarded-message id mappings are
	// kept for reply and /delete resolution.
	MessageRetention time.Duration `mapstructure:"message_retention"`
	Cron             string        `mapstructure:"cron"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		sslMode,
	)
}
