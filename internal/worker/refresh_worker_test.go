package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cassa/internal/amqp"
	"cassa/internal/core"
	sheetsmem "cassa/internal/sheets/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats []core.CategoryStat
	err   error
	calls int
}

func (f *fakeStats) CategoryStats(context.Context) ([]core.CategoryStat, error) {
	f.calls++
	return f.stats, f.err
}

type recordingInvalidator struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingInvalidator) Invalidate(s core.ChangeSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s.TransactionID)
}

type failingSink struct{}

func (failingSink) Publish(context.Context, core.ChangeSummary) error {
	return errors.New("sheets unavailable")
}

func deletion() *amqp.ChangeSummaryMessage {
	return amqp.NewChangeSummaryMessage(core.ChangeSummary{
		TransactionID:      "tx-a",
		DeletedAmount:      core.MustParseMoney("-50"),
		DeletedDate:        core.NewDate(2024, 1, 5),
		AffectedCategories: []string{"food"},
		Balance:            core.MustParseMoney("200"),
	})
}

func TestHandleChangeSummary_AppliesEverything(t *testing.T) {
	stats := &fakeStats{stats: []core.CategoryStat{{CategoryID: "food", Total: core.Money{}, Count: 0}}}
	sink := sheetsmem.NewSink()
	inv := &recordingInvalidator{}
	w := NewRefreshWorker(stats, sink, sink, inv)

	require.NoError(t, w.HandleChangeSummary(context.Background(), deletion()))

	assert.Equal(t, []string{"tx-a"}, inv.seen)
	require.Len(t, sink.Summaries(), 1)
	assert.Equal(t, "tx-a", sink.Summaries()[0].TransactionID)
	mirrored, writes := sink.Stats()
	assert.Equal(t, 1, writes)
	assert.Equal(t, stats.stats, mirrored)
}

func TestHandleChangeSummary_DuplicateEventIgnored(t *testing.T) {
	stats := &fakeStats{}
	sink := sheetsmem.NewSink()
	inv := &recordingInvalidator{}
	w := NewRefreshWorker(stats, sink, sink, inv)

	msg := deletion()
	require.NoError(t, w.HandleChangeSummary(context.Background(), msg))
	require.NoError(t, w.HandleChangeSummary(context.Background(), msg))

	assert.Len(t, inv.seen, 1)
	assert.Len(t, sink.Summaries(), 1)
	assert.Equal(t, 1, stats.calls)
}

func TestHandleChangeSummary_SinkFailureIsRetriable(t *testing.T) {
	inv := &recordingInvalidator{}
	w := NewRefreshWorker(&fakeStats{}, failingSink{}, nil, inv)

	msg := deletion()
	err := w.HandleChangeSummary(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror change summary")

	// not marked as seen, so a redelivery is applied again
	_ = w.HandleChangeSummary(context.Background(), msg)
	assert.Len(t, inv.seen, 2)
}

func TestHandleChangeSummary_NoCategoriesSkipsStats(t *testing.T) {
	stats := &fakeStats{}
	sink := sheetsmem.NewSink()
	w := NewRefreshWorker(stats, sink, sink)

	msg := amqp.NewChangeSummaryMessage(core.ChangeSummary{
		TransactionID: "tx-b",
		DeletedAmount: core.MustParseMoney("10"),
	})
	require.NoError(t, w.HandleChangeSummary(context.Background(), msg))
	assert.Zero(t, stats.calls)
}

func TestHandleChangeSummary_NilMessage(t *testing.T) {
	w := NewRefreshWorker(&fakeStats{}, nil, nil)
	assert.Error(t, w.HandleChangeSummary(context.Background(), nil))
}

func TestSyncCategoryStats(t *testing.T) {
	t.Run("without writer is a no-op", func(t *testing.T) {
		stats := &fakeStats{}
		w := NewRefreshWorker(stats, nil, nil)
		require.NoError(t, w.SyncCategoryStats(context.Background()))
		assert.Zero(t, stats.calls)
	})

	t.Run("read error is wrapped", func(t *testing.T) {
		sink := sheetsmem.NewSink()
		w := NewRefreshWorker(&fakeStats{err: core.ErrTransientStorage}, nil, sink)
		err := w.SyncCategoryStats(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTransientStorage)
		_, writes := sink.Stats()
		assert.Zero(t, writes)
	})
}

func TestPublish_AppliesInProcess(t *testing.T) {
	sink := sheetsmem.NewSink()
	inv := &recordingInvalidator{}
	w := NewRefreshWorker(&fakeStats{}, sink, sink, inv)

	require.NoError(t, w.Publish(context.Background(), core.ChangeSummary{TransactionID: "tx-c"}))
	assert.Equal(t, []string{"tx-c"}, inv.seen)
	assert.Len(t, sink.Summaries(), 1)
}
