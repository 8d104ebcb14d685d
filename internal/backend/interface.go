package backend

import (
	"context"
	"time"

	"cassa/internal/services"
	"cassa/internal/storage"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Backend is a store with the ledger services built on top of it.
type Backend struct {
	Store        storage.Store
	Locks        *services.LockSet
	Recalculator *services.Recalculator
	Ledger       *services.Ledger
	Coordinator  *services.DeletionCoordinator
	Gate         *services.ConfirmationGate
	Cleanup      CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*Backend, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Memory specific, holds seed_categories.txt
	DataDirectory string

	ForecastHorizonDays     int
	Retry                   services.RetryPolicy
	OperationTimeout        time.Duration
	ConfirmationTTL         time.Duration
	MaxPendingConfirmations int

	// RebuildOnOpen recomputes every aggregate and rolls the forecast
	// window to today before the backend is returned.
	RebuildOnOpen bool
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
