package storage

import (
	"context"
	"errors"
	"strings"

	"mqttvault/internal/domain"
)

// Point is one (timestamp, value) pair returned by range scans.
type Point struct {
	TS    float64
	Value float64
}

// RangeQuery bounds a range scan. Nil Start/End leave that side open;
// Limit <= 0 means no row cap. Results are always ascending by timestamp.
type RangeQuery struct {
	Start *float64
	End   *float64
	Limit int
}

// Bounds is the min/max timestamp span for one topic.
type Bounds struct {
	Min float64
	Max float64
}

// SeriesStore is the contract for the partitioned time-series store.
// Missing shards and unknown topics yield empty results, not errors.
type SeriesStore interface {
	Append(ctx context.Context, sample domain.Sample) error
	QueryRange(ctx context.Context, topic string, q RangeQuery) ([]Point, error)
	QueryBounds(ctx context.Context, topic string) (Bounds, bool, error)
	PurgeTopic(ctx context.Context, topic string) (int64, error)
	PurgeRoot(ctx context.Context, root string) (int64, error)
}

// Pruner is the slice of the shard store the retention enforcer needs.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, root string, cutoff float64) (int64, error)
	TrimToRows(ctx context.Context, root string, maxRows int64) (int64, error)
}

// TopicAggregate is one topic's rollup recomputed from shard contents,
// used to resync metadata counters after pruning.
type TopicAggregate struct {
	Topic     string
	Count     int64
	FirstSeen float64
	LastSeen  float64
	MinValue  float64
	MaxValue  float64
}

// ContentionError marks a write that still hit busy/locked after the
// bounded retry. Callers may safely retry the whole operation.
type ContentionError struct {
	Shard string
	Err   error
}

func (e *ContentionError) Error() string {
	return "store contention on shard " + e.Shard + ": " + e.Err.Error()
}

func (e *ContentionError) Unwrap() error   { return e.Err }
func (e *ContentionError) Temporary() bool { return true }

// IsRetryable reports whether err is worth retrying at a higher level.
func IsRetryable(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// IsBusy matches SQLite's transient lock errors. WAL plus busy_timeout
// already absorbs most contention; what leaks through carries one of these
// in the message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
