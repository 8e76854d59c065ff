package config

import (
	"log"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisURL    string
	PostgresURL string
	ArchivePath string

	// HTTP
	IngestAddr  string
	MetricsAddr string

	// Analysis
	BufferSize     int
	MinSamples     int
	SamplingRate   float64
	MaxIdleMinutes int

	// Alert delivery
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		PostgresURL: mustEnv("DATABASE_URL_POSTGRESQL"),
		ArchivePath: getEnv("DATABASE_PATH", "data/vibration.db"),

		IngestAddr:  getEnv("INGEST_ADDR", ":8000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		BufferSize:     getEnvInt("BUFFER_SIZE", 25600),
		MinSamples:     getEnvInt("MIN_SAMPLES", 10000),
		SamplingRate:   getEnvFloat("SAMPLING_RATE", 25600),
		MaxIdleMinutes: getEnvInt("MAX_IDLE_MINUTES", 60),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}
