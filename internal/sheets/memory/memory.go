package memory

import (
	"context"
	"slices"
	"sync"

	"cassa/internal/core"
	"cassa/internal/sheets"
)

var _ sheets.Mirror = (*Sink)(nil)

// Sink keeps mirrored data in process. Used when no spreadsheet is
// configured and in tests.
type Sink struct {
	mu        sync.Mutex
	summaries []core.ChangeSummary
	stats     []core.CategoryStat
	writes    int
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Publish(_ context.Context, summary core.ChangeSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *Sink) WriteCategoryStats(_ context.Context, stats []core.CategoryStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = slices.Clone(stats)
	s.writes++
	return nil
}

// Summaries returns a copy of every published summary in order.
func (s *Sink) Summaries() []core.ChangeSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.summaries)
}

// Stats returns the last written statistics and how many writes happened.
func (s *Sink) Stats() ([]core.CategoryStat, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.stats), s.writes
}
