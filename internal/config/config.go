package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port      string
	RateLimit int

	// Storage
	Store         string
	SQLiteDBPath  string
	DataDirectory string

	// Ledger
	ForecastHorizonDays int
	StorageTimeout      time.Duration
	OperationTimeout    time.Duration
	DeleteMaxRetries    int
	ConfirmationTTL     time.Duration
	ViewCacheTTL        time.Duration

	// AMQP, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets mirror, disabled when GoogleSpreadsheetID is empty
	GoogleSpreadsheetID   string
	GoogleDeletionsSheet  string
	GoogleCategoriesSheet string

	// Worker
	StatsSyncInterval time.Duration

	LogLevel string
}

var validStores = []string{"sqlite", "memory"}

func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8081"),
		RateLimit: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		Store:         getEnv("STORE", "sqlite"),
		SQLiteDBPath:  getEnv("SQLITE_DB_PATH", "./data/cassa.db"),
		DataDirectory: getEnv("DATA_DIRECTORY", "data"),

		ForecastHorizonDays: getEnvInt("FORECAST_HORIZON_DAYS", 90),
		StorageTimeout:      getEnvDuration("STORAGE_TIMEOUT", 250*time.Millisecond),
		OperationTimeout:    getEnvDuration("OPERATION_TIMEOUT", time.Second),
		DeleteMaxRetries:    getEnvInt("DELETE_MAX_RETRIES", 3),
		ConfirmationTTL:     getEnvDuration("CONFIRMATION_TTL", 2*time.Minute),
		ViewCacheTTL:        getEnvDuration("VIEW_CACHE_TTL", time.Minute),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "cassa"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "change_summaries"),

		GoogleSpreadsheetID:   getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleDeletionsSheet:  getEnv("GOOGLE_DELETIONS_SHEET_NAME", "Deletions"),
		GoogleCategoriesSheet: getEnv("GOOGLE_CATEGORIES_SHEET_NAME", "Categories"),

		StatsSyncInterval: getEnvDuration("STATS_SYNC_INTERVAL", time.Hour),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1", c.RateLimit))
	}

	if !slices.Contains(validStores, c.Store) {
		errors = append(errors, fmt.Sprintf("invalid store '%s': must be one of %v", c.Store, validStores))
	}

	if c.Store == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite store")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.ForecastHorizonDays < 1 || c.ForecastHorizonDays > 3650 {
		errors = append(errors, fmt.Sprintf("invalid forecast horizon %d: must be between 1 and 3650 days", c.ForecastHorizonDays))
	}
	if c.StorageTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid storage timeout %v: must be positive", c.StorageTimeout))
	}
	if c.OperationTimeout < c.StorageTimeout {
		errors = append(errors, fmt.Sprintf("invalid operation timeout %v: must be at least the storage timeout %v", c.OperationTimeout, c.StorageTimeout))
	}
	if c.DeleteMaxRetries < 0 || c.DeleteMaxRetries > 10 {
		errors = append(errors, fmt.Sprintf("invalid delete max retries %d: must be between 0 and 10", c.DeleteMaxRetries))
	}
	if c.ConfirmationTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid confirmation TTL %v: must be at least 1 second", c.ConfirmationTTL))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.StatsSyncInterval < time.Minute || c.StatsSyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid stats sync interval %v: must be between 1 minute and 24 hours", c.StatsSyncInterval))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// AMQPEnabled reports whether change summaries go through a broker.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// SheetsEnabled reports whether the spreadsheet mirror is configured.
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
