package sheets

import (
	"context"

	"cassa/internal/core"
)

// Ports for outbound adapters.
type (
	// ChangeSink receives every committed change summary.
	ChangeSink interface {
		Publish(ctx context.Context, summary core.ChangeSummary) error
	}

	// StatsWriter replaces the mirrored per-category statistics.
	StatsWriter interface {
		WriteCategoryStats(ctx context.Context, stats []core.CategoryStat) error
	}

	Mirror interface {
		ChangeSink
		StatsWriter
	}
)
