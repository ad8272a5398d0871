// Package metadata implements the shared rollup-and-policy store: one row
// per topic with monotonic counters, plus per-topic policy and per-root
// retention policy tables.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mqttvault/internal/domain"
	"mqttvault/internal/retry"
	"mqttvault/internal/storage"
	"mqttvault/internal/topicroute"
)

var metaMigrations = []storage.Migration{
	{
		Version: 1,
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS app_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS topic_stats (
	topic TEXT PRIMARY KEY,
	message_count INTEGER NOT NULL DEFAULT 0,
	stored_count INTEGER NOT NULL DEFAULT 0,
	dropped_count INTEGER NOT NULL DEFAULT 0,
	first_seen REAL,
	last_seen REAL,
	last_value REAL,
	min_value REAL,
	max_value REAL
)`,
			`CREATE TABLE IF NOT EXISTS topic_meta (
	topic TEXT PRIMARY KEY,
	public INTEGER NOT NULL DEFAULT 1,
	store_enabled INTEGER NOT NULL DEFAULT 1
)`,
			`CREATE TABLE IF NOT EXISTS validation_rules (
	topic TEXT PRIMARY KEY,
	min_value REAL,
	max_value REAL,
	enabled INTEGER NOT NULL DEFAULT 1
)`,
			`CREATE TABLE IF NOT EXISTS retention_policies (
	root TEXT PRIMARY KEY,
	max_age_days INTEGER,
	max_rows INTEGER
)`,
		},
	},
	{
		// Display metadata and the reserved rate-limit extension point.
		Version: 2,
		Stmts: []string{
			`ALTER TABLE topic_meta ADD COLUMN unit TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE topic_meta ADD COLUMN max_msgs_per_min INTEGER`,
			`ALTER TABLE topic_meta ADD COLUMN auto_disabled INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// Store is the metadata aggregator. Safe for concurrent use; every
// multi-statement update runs in one transaction behind the bounded busy
// retry.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir meta dir: %w", err)
		}
	}
	db, err := storage.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if err := storage.Migrate(context.Background(), db, metaMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate metadata store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RecordAppVersion stores the running version for operator diagnostics.
func (s *Store) RecordAppVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO app_meta(key, value) VALUES('app_version', ?)`, version)
	return err
}

// Observe applies one event to the rollup as a single transactional unit:
// message_count always advances, first_seen only moves earlier, last_seen
// only moves later, last_value changes only for numeric events, min/max
// fold in only for stored numeric samples, and exactly one of
// stored_count/dropped_count is incremented.
func (s *Store) Observe(ctx context.Context, topic string, ts float64, value *float64, stored bool) error {
	if topic == "" {
		return errors.New("observe: topic is required")
	}
	var storedInc, droppedInc int64
	var minMax any
	if stored {
		storedInc = 1
		if value != nil {
			minMax = *value
		}
	} else {
		droppedInc = 1
	}
	var lastValue any
	if value != nil {
		lastValue = *value
	}

	err := retry.Do(ctx, retry.DefaultConfig(storage.IsBusy), func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
INSERT INTO topic_stats(
	topic, message_count, stored_count, dropped_count,
	first_seen, last_seen, last_value, min_value, max_value
)
VALUES(?, 1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(topic) DO UPDATE SET
	message_count = topic_stats.message_count + 1,
	stored_count  = topic_stats.stored_count + excluded.stored_count,
	dropped_count = topic_stats.dropped_count + excluded.dropped_count,
	first_seen    = MIN(COALESCE(topic_stats.first_seen, excluded.first_seen), excluded.first_seen),
	last_seen     = MAX(COALESCE(topic_stats.last_seen, excluded.last_seen), excluded.last_seen),
	last_value    = COALESCE(excluded.last_value, topic_stats.last_value),
	min_value     = CASE WHEN excluded.min_value IS NULL THEN topic_stats.min_value
		ELSE MIN(COALESCE(topic_stats.min_value, excluded.min_value), excluded.min_value) END,
	max_value     = CASE WHEN excluded.max_value IS NULL THEN topic_stats.max_value
		ELSE MAX(COALESCE(topic_stats.max_value, excluded.max_value), excluded.max_value) END`,
			topic, storedInc, droppedInc, ts, ts, lastValue, minMax, minMax); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO topic_meta(topic, public) VALUES(?, 1)
ON CONFLICT(topic) DO NOTHING`, topic); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		if storage.IsBusy(err) {
			return &storage.ContentionError{Shard: "metadata", Err: err}
		}
		return fmt.Errorf("observe %s: %w", topic, err)
	}
	return nil
}

// GetStats returns the rollup row for one topic.
func (s *Store) GetStats(ctx context.Context, topic string) (domain.TopicStats, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT topic, message_count, stored_count, dropped_count,
	first_seen, last_seen, last_value, min_value, max_value
FROM topic_stats WHERE topic = ?`, topic)

	var st domain.TopicStats
	var firstSeen, lastSeen, lastValue, minValue, maxValue sql.NullFloat64
	err := row.Scan(&st.Topic, &st.MessageCount, &st.StoredCount, &st.DroppedCount,
		&firstSeen, &lastSeen, &lastValue, &minValue, &maxValue)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TopicStats{}, false, nil
	}
	if err != nil {
		return domain.TopicStats{}, false, err
	}
	st.FirstSeen = nullableFloat(firstSeen)
	st.LastSeen = nullableFloat(lastSeen)
	st.LastValue = nullableFloat(lastValue)
	st.MinValue = nullableFloat(minValue)
	st.MaxValue = nullableFloat(maxValue)
	return st, true, nil
}

// ListTopics joins rollups with policy for the discovery view. Private
// topics are filtered out unless includePrivate is set.
func (s *Store) ListTopics(ctx context.Context, includePrivate bool) ([]domain.TopicListing, error) {
	query := `
SELECT s.topic, s.message_count, COALESCE(m.public, 1), s.first_seen, s.last_seen
FROM topic_stats s
LEFT JOIN topic_meta m ON m.topic = s.topic`
	if !includePrivate {
		query += `
WHERE COALESCE(m.public, 1) = 1`
	}
	query += `
ORDER BY s.topic`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TopicListing
	for rows.Next() {
		var item domain.TopicListing
		var public int
		var firstSeen, lastSeen sql.NullFloat64
		if err := rows.Scan(&item.Topic, &item.MessageCount, &public, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		item.Public = public != 0
		item.FirstSeen = nullableFloat(firstSeen)
		item.LastSeen = nullableFloat(lastSeen)
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetTopicPolicy returns the stored policy or the visible/enabled default.
func (s *Store) GetTopicPolicy(ctx context.Context, topic string) (domain.TopicPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT public, store_enabled, unit, max_msgs_per_min, auto_disabled
FROM topic_meta WHERE topic = ?`, topic)

	var public, storeEnabled, autoDisabled int
	var unit string
	var maxPerMin sql.NullInt64
	err := row.Scan(&public, &storeEnabled, &unit, &maxPerMin, &autoDisabled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultTopicPolicy(topic), nil
	}
	if err != nil {
		return domain.TopicPolicy{}, err
	}
	pol := domain.TopicPolicy{
		Topic:        topic,
		Public:       public != 0,
		StoreEnabled: storeEnabled != 0,
		Unit:         unit,
		AutoDisabled: autoDisabled != 0,
	}
	if maxPerMin.Valid {
		v := maxPerMin.Int64
		pol.MaxMsgsPerMin = &v
	}
	return pol, nil
}

// ApplyPolicyUpdate edits a topic's policy; nil update fields are left
// untouched. A Bounds update replaces the validation rule wholesale.
func (s *Store) ApplyPolicyUpdate(ctx context.Context, topic string, upd domain.TopicPolicyUpdate) error {
	if topic == "" {
		return errors.New("policy update: topic is required")
	}
	return retry.Do(ctx, retry.DefaultConfig(storage.IsBusy), func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
INSERT INTO topic_meta(topic, public) VALUES(?, 1)
ON CONFLICT(topic) DO NOTHING`, topic); err != nil {
			return err
		}
		if upd.Public != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE topic_meta SET public = ? WHERE topic = ?`, boolInt(*upd.Public), topic); err != nil {
				return err
			}
		}
		if upd.StoreEnabled != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE topic_meta SET store_enabled = ? WHERE topic = ?`, boolInt(*upd.StoreEnabled), topic); err != nil {
				return err
			}
		}
		if upd.Unit != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE topic_meta SET unit = ? WHERE topic = ?`, *upd.Unit, topic); err != nil {
				return err
			}
		}
		if upd.Bounds != nil {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO validation_rules(topic, min_value, max_value, enabled)
VALUES(?, ?, ?, ?)
ON CONFLICT(topic) DO UPDATE SET
	min_value = excluded.min_value,
	max_value = excluded.max_value,
	enabled   = excluded.enabled`,
				topic, nullableArg(upd.Bounds.Min), nullableArg(upd.Bounds.Max), boolInt(upd.Bounds.Enabled)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetValidationRule returns the bounds for a topic; ok=false when no rule
// is configured.
func (s *Store) GetValidationRule(ctx context.Context, topic string) (domain.ValidationRule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT min_value, max_value, enabled FROM validation_rules WHERE topic = ?`, topic)

	var min, max sql.NullFloat64
	var enabled int
	err := row.Scan(&min, &max, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ValidationRule{}, false, nil
	}
	if err != nil {
		return domain.ValidationRule{}, false, err
	}
	rule := domain.ValidationRule{Topic: topic, Enabled: enabled != 0}
	rule.Min = nullableFloat(min)
	rule.Max = nullableFloat(max)
	return rule, true, nil
}

// GetRetentionPolicy returns the policy for a topic root; ok=false means
// unlimited retention.
func (s *Store) GetRetentionPolicy(ctx context.Context, root string) (domain.RetentionPolicy, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT max_age_days, max_rows FROM retention_policies WHERE root = ?`, root)

	var maxAge, maxRows sql.NullInt64
	err := row.Scan(&maxAge, &maxRows)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RetentionPolicy{}, false, nil
	}
	if err != nil {
		return domain.RetentionPolicy{}, false, err
	}
	pol := domain.RetentionPolicy{Root: root}
	if maxAge.Valid {
		v := maxAge.Int64
		pol.MaxAgeDays = &v
	}
	if maxRows.Valid {
		v := maxRows.Int64
		pol.MaxRows = &v
	}
	return pol, true, nil
}

// SetRetentionPolicy upserts the policy for a root. Both bounds nil
// removes the row (back to unlimited).
func (s *Store) SetRetentionPolicy(ctx context.Context, pol domain.RetentionPolicy) error {
	if pol.Root == "" {
		return errors.New("retention policy: root is required")
	}
	if pol.MaxAgeDays == nil && pol.MaxRows == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM retention_policies WHERE root = ?`, pol.Root)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retention_policies(root, max_age_days, max_rows)
VALUES(?, ?, ?)
ON CONFLICT(root) DO UPDATE SET
	max_age_days = excluded.max_age_days,
	max_rows     = excluded.max_rows`,
		pol.Root, nullableInt(pol.MaxAgeDays), nullableInt(pol.MaxRows))
	return err
}

// ResetStats zeroes a topic's counters and clears its seen/value columns
// while keeping the row, so the topic stays discoverable after a purge.
func (s *Store) ResetStats(ctx context.Context, topic string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE topic_stats SET
	message_count = 0, stored_count = 0, dropped_count = 0,
	first_seen = NULL, last_seen = NULL, last_value = NULL,
	min_value = NULL, max_value = NULL
WHERE topic = ?`, topic)
	return err
}

// ReplaceRootStats resyncs every rollup under a root from shard
// aggregates, after pruning or a root purge. Rows with no surviving
// samples are reset, not deleted.
func (s *Store) ReplaceRootStats(ctx context.Context, root string, aggs []storage.TopicAggregate) error {
	return retry.Do(ctx, retry.DefaultConfig(storage.IsBusy), func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Topics may be stored with a leading slash ("/sensors/x" shards
		// under "sensors"), so both spellings must be reset.
		if _, err := tx.ExecContext(ctx, `
UPDATE topic_stats SET
	message_count = 0, stored_count = 0, dropped_count = 0,
	first_seen = NULL, last_seen = NULL, last_value = NULL,
	min_value = NULL, max_value = NULL
WHERE topic IN (?, ?) OR topic LIKE ? OR topic LIKE ?`,
			root, "/"+root, root+"/%", "/"+root+"/%"); err != nil {
			return err
		}

		for _, a := range aggs {
			if topicroute.Root(a.Topic) != root {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO topic_stats(
	topic, message_count, stored_count, dropped_count,
	first_seen, last_seen, min_value, max_value
)
VALUES(?, ?, ?, 0, ?, ?, ?, ?)
ON CONFLICT(topic) DO UPDATE SET
	message_count = excluded.message_count,
	stored_count  = excluded.stored_count,
	dropped_count = 0,
	first_seen    = excluded.first_seen,
	last_seen     = excluded.last_seen,
	min_value     = excluded.min_value,
	max_value     = excluded.max_value`,
				a.Topic, a.Count, a.Count, a.FirstSeen, a.LastSeen, a.MinValue, a.MaxValue); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO topic_meta(topic, public) VALUES(?, 1)
ON CONFLICT(topic) DO NOTHING`, a.Topic); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullableArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
