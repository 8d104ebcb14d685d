package services

import (
	"fmt"
	"sync"

	"cassa/internal/core"
)

// LockSet hands out non-blocking locks on keys and on date intervals.
// A held lock is never waited on: the caller gets ErrConcurrentModification.
type LockSet struct {
	mu     sync.Mutex
	keys   map[string]struct{}
	ranges map[string][]dateRange
}

type dateRange struct {
	from, to core.Date
}

func (r dateRange) overlaps(o dateRange) bool {
	return !r.to.Before(o.from) && !o.to.Before(r.from)
}

func NewLockSet() *LockSet {
	return &LockSet{
		keys:   make(map[string]struct{}),
		ranges: make(map[string][]dateRange),
	}
}

// TryLock takes key and returns its release func.
func (l *LockSet) TryLock(key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.keys[key]; held {
		return nil, fmt.Errorf("%s already in progress: %w", key, core.ErrConcurrentModification)
	}
	l.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.keys, key)
			l.mu.Unlock()
		})
	}, nil
}

// TryLockRange takes the closed interval [from, to] under key. Two ranges
// under the same key conflict when they share at least one day.
func (l *LockSet) TryLockRange(key string, from, to core.Date) (func(), error) {
	if to.Before(from) {
		from, to = to, from
	}
	want := dateRange{from: from, to: to}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, held := range l.ranges[key] {
		if held.overlaps(want) {
			return nil, fmt.Errorf("%s [%s, %s] overlaps a range in progress: %w",
				key, from, to, core.ErrConcurrentModification)
		}
	}
	l.ranges[key] = append(l.ranges[key], want)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			held := l.ranges[key]
			for i, r := range held {
				if r == want {
					l.ranges[key] = append(held[:i], held[i+1:]...)
					break
				}
			}
			if len(l.ranges[key]) == 0 {
				delete(l.ranges, key)
			}
		})
	}, nil
}

// Held reports whether key is currently locked.
func (l *LockSet) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.keys[key]
	return held
}
