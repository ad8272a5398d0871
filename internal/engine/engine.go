// Package engine is the facade collaborators call: one ingest entry
// point plus the read, policy, retention and purge operations. It wires
// the shard store, the metadata aggregator, the policy engine and the
// retention enforcer together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mqttvault/internal/domain"
	"mqttvault/internal/ingest"
	"mqttvault/internal/logging"
	"mqttvault/internal/metadata"
	"mqttvault/internal/retention"
	"mqttvault/internal/storage"
)

var ErrEmptyTopic = errors.New("engine: empty topic")

// ShardStore is the full contract the engine needs from the partitioned
// time-series store.
type ShardStore interface {
	storage.SeriesStore
	storage.Pruner
	RootAggregates(ctx context.Context, root string) ([]storage.TopicAggregate, error)
}

// StatusSource exposes the transport connection snapshot. Nil means no
// transport is running (ingest-by-call only).
type StatusSource interface {
	Snapshot() domain.ConnStatus
}

type Engine struct {
	store     ShardStore
	meta      *metadata.Store
	ingestor  *ingest.Service
	retention *retention.Enforcer
	status    StatusSource
	log       *slog.Logger
	now       func() time.Time
}

func New(store ShardStore, meta *metadata.Store, ingestor *ingest.Service, enforcer *retention.Enforcer) *Engine {
	return &Engine{
		store:     store,
		meta:      meta,
		ingestor:  ingestor,
		retention: enforcer,
		log:       logging.Component("engine"),
		now:       time.Now,
	}
}

// SetStatusSource attaches the transport connection manager once it
// exists. Called at startup before any reader asks for status.
func (e *Engine) SetStatusSource(src StatusSource) { e.status = src }

// Ingest processes one observed event. ts is epoch seconds; pass 0 to
// stamp the event at call time.
func (e *Engine) Ingest(ctx context.Context, topic string, raw []byte, ts float64) (domain.IngestResult, error) {
	if ts <= 0 {
		ts = float64(e.now().UnixNano()) / 1e9
	}
	return e.ingestor.Ingest(ctx, topic, raw, ts)
}

// QueryRange returns samples for one topic in ascending timestamp
// order. Unknown topics and absent shards yield an empty result.
func (e *Engine) QueryRange(ctx context.Context, topic string, q storage.RangeQuery) ([]storage.Point, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	return e.store.QueryRange(ctx, topic, q)
}

// QueryBounds returns the min/max sample timestamps for one topic. The
// second return is false when the topic has no samples.
func (e *Engine) QueryBounds(ctx context.Context, topic string) (storage.Bounds, bool, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return storage.Bounds{}, false, ErrEmptyTopic
	}
	return e.store.QueryBounds(ctx, topic)
}

// ListTopics returns the discovery view. Private topics are included
// only when includePrivate is set.
func (e *Engine) ListTopics(ctx context.Context, includePrivate bool) ([]domain.TopicListing, error) {
	return e.meta.ListTopics(ctx, includePrivate)
}

// GetTopicPolicy returns the effective policy for a topic, falling back
// to the default when none is configured.
func (e *Engine) GetTopicPolicy(ctx context.Context, topic string) (domain.TopicPolicy, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return domain.TopicPolicy{}, ErrEmptyTopic
	}
	return e.meta.GetTopicPolicy(ctx, topic)
}

// SetTopicPolicy applies a partial policy edit and drops the ingest
// policy cache so the next event sees it.
func (e *Engine) SetTopicPolicy(ctx context.Context, topic string, upd domain.TopicPolicyUpdate) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := e.meta.ApplyPolicyUpdate(ctx, topic, upd); err != nil {
		return fmt.Errorf("apply policy for %q: %w", topic, err)
	}
	e.ingestor.InvalidatePolicies()
	return nil
}

// GetTopicStats returns the rollup row for one topic.
func (e *Engine) GetTopicStats(ctx context.Context, topic string) (domain.TopicStats, bool, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return domain.TopicStats{}, false, ErrEmptyTopic
	}
	return e.meta.GetStats(ctx, topic)
}

// GetRetentionPolicy returns the retention policy for a root, if set.
func (e *Engine) GetRetentionPolicy(ctx context.Context, root string) (domain.RetentionPolicy, bool, error) {
	return e.meta.GetRetentionPolicy(ctx, root)
}

// SetRetentionPolicy stores a root's retention policy and enforces it
// immediately. When rows were pruned the rollups for that root are
// recomputed from the surviving samples.
func (e *Engine) SetRetentionPolicy(ctx context.Context, pol domain.RetentionPolicy) error {
	pol.Root = strings.TrimSpace(pol.Root)
	if pol.Root == "" {
		return errors.New("engine: empty topic root")
	}
	if err := e.meta.SetRetentionPolicy(ctx, pol); err != nil {
		return fmt.Errorf("store retention policy for %q: %w", pol.Root, err)
	}
	deleted, err := e.retention.Enforce(ctx, pol.Root)
	if err != nil {
		return fmt.Errorf("enforce retention for %q: %w", pol.Root, err)
	}
	if deleted > 0 {
		if err := e.resyncRoot(ctx, pol.Root); err != nil {
			return err
		}
	}
	return nil
}

// PurgeTopic deletes one topic's samples and zeroes its rollup. The
// topic stays discoverable.
func (e *Engine) PurgeTopic(ctx context.Context, topic string) (int64, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0, ErrEmptyTopic
	}
	deleted, err := e.store.PurgeTopic(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("purge topic %q: %w", topic, err)
	}
	if err := e.meta.ResetStats(ctx, topic); err != nil {
		return deleted, fmt.Errorf("reset rollup for %q: %w", topic, err)
	}
	e.log.Info("topic purged", "topic", topic, "deleted", deleted)
	return deleted, nil
}

// PurgeRoot deletes every sample in one shard and zeroes all rollups
// under that root.
func (e *Engine) PurgeRoot(ctx context.Context, root string) (int64, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return 0, errors.New("engine: empty topic root")
	}
	deleted, err := e.store.PurgeRoot(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("purge root %q: %w", root, err)
	}
	if err := e.resyncRoot(ctx, root); err != nil {
		return deleted, err
	}
	e.log.Info("root purged", "root", root, "deleted", deleted)
	return deleted, nil
}

// ConnectionStatus reports the transport snapshot. Without a transport
// it reports permanently disconnected.
func (e *Engine) ConnectionStatus() domain.ConnStatus {
	if e.status == nil {
		return domain.ConnStatus{}
	}
	return e.status.Snapshot()
}

// EnforceRetention runs retention for one root on demand and resyncs
// rollups when rows were removed.
func (e *Engine) EnforceRetention(ctx context.Context, root string) (int64, error) {
	deleted, err := e.retention.Enforce(ctx, root)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		if err := e.resyncRoot(ctx, root); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (e *Engine) resyncRoot(ctx context.Context, root string) error {
	aggs, err := e.store.RootAggregates(ctx, root)
	if err != nil {
		return fmt.Errorf("recompute rollups for %q: %w", root, err)
	}
	if err := e.meta.ReplaceRootStats(ctx, root, aggs); err != nil {
		return fmt.Errorf("resync rollups for %q: %w", root, err)
	}
	return nil
}
