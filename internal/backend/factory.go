package backend

import (
	"context"
	"fmt"
	"log/slog"

	applog "cassa/internal/log"
	"cassa/internal/services"
	"cassa/internal/storage"
	"cassa/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{logger: logger.With(applog.FieldComponent, applog.ComponentBackend)}
}

// CreateBackend opens the store and wires the ledger services on it.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.openStore(config)
	if err != nil {
		return nil, err
	}

	locks := services.NewLockSet()
	recalc := services.NewRecalculator(locks, config.ForecastHorizonDays, config.Retry)
	ledger := services.NewLedger(store, recalc, locks, config.Retry)
	coord := services.NewDeletionCoordinator(store, ledger, recalc, locks, services.CoordinatorConfig{
		OperationTimeout: config.OperationTimeout,
		Retry:            config.Retry,
	})

	ttl := config.ConfirmationTTL
	if ttl <= 0 {
		ttl = services.DefaultConfirmationTTL
	}
	maxPending := config.MaxPendingConfirmations
	if maxPending <= 0 {
		maxPending = defaultMaxPendingConfirmations
	}

	b := &Backend{
		Store:        store,
		Locks:        locks,
		Recalculator: recalc,
		Ledger:       ledger,
		Coordinator:  coord,
		Gate:         services.NewConfirmationGate(coord, ttl, maxPending),
		Cleanup:      store.Close,
	}

	if config.RebuildOnOpen {
		affected, err := ledger.Rebuild(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("rebuild aggregates: %w", err)
		}
		from, to := recalc.Window()
		f.logger.Info("Aggregates rebuilt",
			"categories", len(affected.Categories),
			"forecast_from", from.String(),
			"forecast_to", to.String())
	}

	return b, nil
}

func (f *DefaultFactory) openStore(config Config) (storage.Store, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		dataDir := config.DataDirectory
		if dataDir == "" {
			dataDir = "data"
		}
		f.logger.Info("Initialized memory backend", "data_directory", dataDir)
		return memory.NewFromFiles(dataDir), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}
