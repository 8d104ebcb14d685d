package http

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"cassa/internal/cache"
	"cassa/internal/core"
)

const (
	viewBalance    = "balance"
	viewCategories = "categories"
	viewForecast   = "forecast:"

	DefaultViewCacheSize = 256
	DefaultViewCacheTTL  = time.Minute
)

// ViewCache holds encoded read responses until a change summary says they
// are stale. Every invalidation starts a new generation; a view built in an
// older generation is not stored.
type ViewCache struct {
	entries *cache.LRUCache[[]byte]

	mu  sync.Mutex
	gen uint64
}

func NewViewCache(maxSize int, ttl time.Duration) *ViewCache {
	if maxSize <= 0 {
		maxSize = DefaultViewCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultViewCacheTTL
	}
	return &ViewCache{entries: cache.NewLRUCache[[]byte](maxSize, ttl)}
}

// Cache exposes the underlying LRU so a cache.Manager can sweep it.
func (v *ViewCache) Cache() cache.Cleaner {
	return v.entries
}

func (v *ViewCache) get(key string) ([]byte, bool) {
	return v.entries.Get(key)
}

func (v *ViewCache) generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen
}

// set stores body unless an invalidation ran since gen was read. It
// reports whether the view was stored.
func (v *ViewCache) set(key string, body []byte, gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return false
	}
	v.entries.Set(key, body)
	return true
}

func (v *ViewCache) Size() int {
	return v.entries.Size()
}

func forecastKey(from, to core.Date) string {
	return viewForecast + from.String() + ":" + to.String()
}

// Invalidate drops the views a committed change made stale: the balance
// always, the category listing when a category was touched, and only the
// cached forecasts overlapping the affected dates.
func (v *ViewCache) Invalidate(summary core.ChangeSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++

	v.entries.Delete(viewBalance)
	if len(summary.AffectedCategories) > 0 {
		v.entries.Delete(viewCategories)
	}

	from, to, ok := summary.ForecastRange()
	if !ok {
		return
	}
	removed := v.entries.DeleteFunc(func(key string) bool {
		rest, found := strings.CutPrefix(key, viewForecast)
		if !found {
			return false
		}
		a, b, found := strings.Cut(rest, ":")
		if !found {
			return true
		}
		kf, err1 := core.ParseDate(a)
		kt, err2 := core.ParseDate(b)
		if err1 != nil || err2 != nil {
			return true
		}
		return !kt.Before(from) && !kf.After(to)
	})
	slog.Debug("Forecast views invalidated",
		"transaction_id", summary.TransactionID,
		"removed", removed)
}

// DropForecasts removes every cached forecast, used when the window rolls.
func (v *ViewCache) DropForecasts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	return v.entries.DeletePrefix(viewForecast)
}
