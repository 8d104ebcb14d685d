package backend

import (
	"fmt"

	"cassa/internal/config"
	"cassa/internal/services"
)

const defaultMaxPendingConfirmations = 1024

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.Store)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.Store)
	}

	retry := services.DefaultRetryPolicy()
	retry.MaxRetries = appConfig.DeleteMaxRetries
	if appConfig.StorageTimeout > 0 {
		retry.CallTimeout = appConfig.StorageTimeout
	}

	return Config{
		Type:                    backendType,
		SQLiteDBPath:            appConfig.SQLiteDBPath,
		DataDirectory:           appConfig.DataDirectory,
		ForecastHorizonDays:     appConfig.ForecastHorizonDays,
		Retry:                   retry,
		OperationTimeout:        appConfig.OperationTimeout,
		ConfirmationTTL:         appConfig.ConfirmationTTL,
		MaxPendingConfirmations: defaultMaxPendingConfirmations,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if c.Type == SQLiteBackend && c.SQLiteDBPath == "" {
		return fmt.Errorf("SQLite database path is required for sqlite backend")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	return []string{SQLiteBackend.String(), MemoryBackend.String()}
}
