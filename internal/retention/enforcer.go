// Package retention applies per-root retention policies to the shard
// stores: an age bound first, then a row-count bound on what remains.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mqttvault/internal/domain"
	"mqttvault/internal/logging"
	"mqttvault/internal/metric"
	"mqttvault/internal/storage"
)

const secondsPerDay = 86400

// PolicySource yields the retention policy for a root, if one is set.
type PolicySource interface {
	GetRetentionPolicy(ctx context.Context, root string) (domain.RetentionPolicy, bool, error)
}

type Enforcer struct {
	policies PolicySource
	pruner   storage.Pruner
	metrics  *metric.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewEnforcer(policies PolicySource, pruner storage.Pruner, metrics *metric.Metrics) *Enforcer {
	return &Enforcer{
		policies: policies,
		pruner:   pruner,
		metrics:  metrics,
		log:      logging.Component("retention"),
		now:      time.Now,
	}
}

// Enforce prunes one root according to its policy and returns the number
// of sample rows removed. A root without a policy is left untouched.
func (e *Enforcer) Enforce(ctx context.Context, root string) (int64, error) {
	pol, ok, err := e.policies.GetRetentionPolicy(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("load retention policy for %q: %w", root, err)
	}
	if !ok {
		return 0, nil
	}

	var deleted int64
	if pol.MaxAgeDays != nil {
		cutoff := float64(e.now().UnixMilli())/1000 - float64(*pol.MaxAgeDays)*secondsPerDay
		n, err := e.pruner.DeleteOlderThan(ctx, root, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("age prune %q: %w", root, err)
		}
		deleted += n
	}
	if pol.MaxRows != nil {
		n, err := e.pruner.TrimToRows(ctx, root, *pol.MaxRows)
		if err != nil {
			return deleted, fmt.Errorf("row prune %q: %w", root, err)
		}
		deleted += n
	}

	if deleted > 0 {
		e.metrics.RetentionDeletes.WithLabelValues(root).Add(float64(deleted))
		e.log.Info("retention pruned", "root", root, "deleted", deleted)
	}
	return deleted, nil
}
