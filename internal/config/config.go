package config

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	IRCServer  string `envconfig:"IRC_SERVER" default:"irc.irchighway.net:6667"`
	IRCChannel string `envconfig:"IRC_CHANNEL" default:"#ebooks"`
	BotNick    string `envconfig:"BOT_NICK"`

	WorkingDir  string        `envconfig:"WORKING_DIR" default:"ebooks"`
	FileTypes   []string      `envconfig:"FILE_TYPES" default:"epub,mobi,pdf,azw3,azw,cbz,cbr"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`

	QueueInterval     time.Duration `envconfig:"QUEUE_INTERVAL" default:"1s"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"720h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string `envconfig:"DB_PATH" default:"downloads.db"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8757"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	// Search bots key replies off the nick, so an unset nick gets a fresh
	// random one per process to avoid collisions between instances.
	if cfg.BotNick == "" {
		cfg.BotNick = fmt.Sprintf("fetcher%d", 1000+rand.Intn(9000))
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
