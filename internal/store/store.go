package store

import (
	"context"
	"time"
)

// Hit is one counted access: the key, its country bucket and when it happened.
type Hit struct {
	Key    string
	Bucket string
	At     time.Time
}

// DailyCount is the number of access events recorded for a key on one UTC day.
type DailyCount struct {
	Day   time.Time `json:"day"`
	Count int64     `json:"count"`
}

// Counter is a key with its running total.
type Counter struct {
	Key       string    `json:"url"`
	Total     int64     `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Store interface {
	// RecordHit atomically increments the total for h.Key, the bucket counter and
	// appends an access event. It returns the post-increment total.
	RecordHit(ctx context.Context, h Hit) (int64, error)
	// Count returns 0 for unknown keys.
	Count(ctx context.Context, key string) (int64, error)
	Countries(ctx context.Context, key string) (map[string]int64, error)
	// DailyCounts groups events in [from, to] by UTC date, ascending, sparse.
	DailyCounts(ctx context.Context, key string, from, to time.Time) ([]DailyCount, error)
	SetCount(ctx context.Context, key string, n int64, at time.Time) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, limit int) ([]Counter, error)
	// Prune deletes access events older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}
