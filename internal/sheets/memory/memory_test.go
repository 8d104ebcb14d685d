package memory

import (
	"context"
	"testing"

	"cassa/internal/core"
)

func TestSink_RecordsSummariesInOrder(t *testing.T) {
	s := NewSink()
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.Publish(ctx, core.ChangeSummary{TransactionID: id}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	got := s.Summaries()
	if len(got) != 2 || got[0].TransactionID != "a" || got[1].TransactionID != "b" {
		t.Fatalf("unexpected summaries: %+v", got)
	}
}

func TestSink_StatsAreReplaced(t *testing.T) {
	s := NewSink()
	ctx := context.Background()

	first := []core.CategoryStat{{CategoryID: "food", Total: core.MustParseMoney("-10"), Count: 1}}
	second := []core.CategoryStat{{CategoryID: "salary", Total: core.MustParseMoney("200"), Count: 1}}
	_ = s.WriteCategoryStats(ctx, first)
	_ = s.WriteCategoryStats(ctx, second)

	// mutating the caller's slice must not leak into the sink
	second[0].CategoryID = "changed"

	stats, writes := s.Stats()
	if writes != 2 {
		t.Errorf("writes = %d, want 2", writes)
	}
	if len(stats) != 1 || stats[0].CategoryID != "salary" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
