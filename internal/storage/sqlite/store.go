// Package sqlite implements the partitioned time-series store: one SQLite
// file per topic root, holding an interned topic table and an append-only
// samples table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"mqttvault/internal/domain"
	"mqttvault/internal/retry"
	"mqttvault/internal/storage"
	"mqttvault/internal/topicroute"
)

var shardMigrations = []storage.Migration{
	{
		Version: 1,
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS topics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT UNIQUE NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic_id INTEGER NOT NULL,
	ts_epoch REAL NOT NULL,
	value REAL NOT NULL,
	FOREIGN KEY(topic_id) REFERENCES topics(id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_samples_topic_ts ON samples(topic_id, ts_epoch)`,
			`CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts_epoch)`,
		},
	},
}

// Store holds one lazily created database per topic root. Shard handles are
// cached; reopening after Close is safe.
type Store struct {
	dataDir string

	mu     sync.Mutex
	shards map[string]*sql.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	return &Store{dataDir: dataDir, shards: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.shards {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.shards = make(map[string]*sql.DB)
	return errors.Join(errs...)
}

func (s *Store) shardPath(root string) string {
	return filepath.Join(s.dataDir, topicroute.ShardFileName(root))
}

// shardDB returns the handle for root, creating and migrating the file on
// first use.
func (s *Store) shardDB(root string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.shards[root]; ok {
		return db, nil
	}
	db, err := storage.OpenDB(s.shardPath(root))
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", root, err)
	}
	if err := storage.Migrate(context.Background(), db, shardMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate shard %s: %w", root, err)
	}
	s.shards[root] = db
	return db, nil
}

// shardDBIfExists is the read-path variant: it never creates a shard file.
func (s *Store) shardDBIfExists(root string) (*sql.DB, bool, error) {
	s.mu.Lock()
	if db, ok := s.shards[root]; ok {
		s.mu.Unlock()
		return db, true, nil
	}
	s.mu.Unlock()
	if _, err := os.Stat(s.shardPath(root)); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat shard %s: %w", root, err)
	}
	db, err := s.shardDB(root)
	if err != nil {
		return nil, false, err
	}
	return db, true, nil
}

// Append writes one sample: resolve-or-create the interned topic id, then
// insert the row, all in a single transaction behind the bounded busy
// retry. Exhausted contention surfaces as a retryable ContentionError.
func (s *Store) Append(ctx context.Context, sample domain.Sample) error {
	if sample.Topic == "" {
		return errors.New("append: topic is required")
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return fmt.Errorf("append %s: value must be finite", sample.Topic)
	}
	root := topicroute.Root(sample.Topic)
	db, err := s.shardDB(root)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.DefaultConfig(storage.IsBusy), func() error {
		return s.appendTx(ctx, db, sample)
	})
	if err == nil {
		return nil
	}
	if storage.IsBusy(err) {
		return &storage.ContentionError{Shard: root, Err: err}
	}
	return fmt.Errorf("append sample shard=%s: %w", root, err)
}

func (s *Store) appendTx(ctx context.Context, db *sql.DB, sample domain.Sample) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO topics(topic) VALUES(?)`, sample.Topic); err != nil {
		return err
	}
	var topicID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM topics WHERE topic = ?`, sample.Topic).Scan(&topicID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO samples(topic_id, ts_epoch, value) VALUES(?, ?, ?)`,
		topicID, sample.TS, sample.Value); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryRange returns samples for topic in ascending timestamp order.
// Missing shard or unknown topic is an empty result.
func (s *Store) QueryRange(ctx context.Context, topic string, q storage.RangeQuery) ([]storage.Point, error) {
	if topic == "" {
		return nil, errors.New("query range: topic is required")
	}
	root := topicroute.Root(topic)
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return nil, err
	}

	query := `SELECT m.ts_epoch, m.value FROM samples m
JOIN topics t ON t.id = m.topic_id
WHERE t.topic = ?`
	args := []any{topic}
	if q.Start != nil {
		query += ` AND m.ts_epoch >= ?`
		args = append(args, *q.Start)
	}
	if q.End != nil {
		query += ` AND m.ts_epoch <= ?`
		args = append(args, *q.End)
	}
	query += ` ORDER BY m.ts_epoch ASC, m.id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query range shard=%s: %w", root, err)
	}
	defer rows.Close()

	var out []storage.Point
	for rows.Next() {
		var p storage.Point
		if err := rows.Scan(&p.TS, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryBounds returns the min/max sample timestamps for topic, or ok=false
// when the topic has no stored samples.
func (s *Store) QueryBounds(ctx context.Context, topic string) (storage.Bounds, bool, error) {
	if topic == "" {
		return storage.Bounds{}, false, errors.New("query bounds: topic is required")
	}
	root := topicroute.Root(topic)
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return storage.Bounds{}, false, err
	}

	var min, max sql.NullFloat64
	err = db.QueryRowContext(ctx, `
SELECT MIN(m.ts_epoch), MAX(m.ts_epoch) FROM samples m
JOIN topics t ON t.id = m.topic_id
WHERE t.topic = ?`, topic).Scan(&min, &max)
	if err != nil {
		return storage.Bounds{}, false, fmt.Errorf("query bounds shard=%s: %w", root, err)
	}
	if !min.Valid || !max.Valid {
		return storage.Bounds{}, false, nil
	}
	return storage.Bounds{Min: min.Float64, Max: max.Float64}, true, nil
}

// PurgeTopic deletes all sample rows for one topic. The interning row
// stays so ids are never reused.
func (s *Store) PurgeTopic(ctx context.Context, topic string) (int64, error) {
	if topic == "" {
		return 0, errors.New("purge topic: topic is required")
	}
	root := topicroute.Root(topic)
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
DELETE FROM samples WHERE topic_id IN (SELECT id FROM topics WHERE topic = ?)`, topic)
	if err != nil {
		return 0, fmt.Errorf("purge topic shard=%s: %w", root, err)
	}
	return res.RowsAffected()
}

// PurgeRoot deletes every sample row in a shard, keeping the interning
// table intact.
func (s *Store) PurgeRoot(ctx context.Context, root string) (int64, error) {
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM samples`)
	if err != nil {
		return 0, fmt.Errorf("purge root shard=%s: %w", root, err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes sample rows with ts_epoch < cutoff from root's
// shard. Missing shard is a no-op.
func (s *Store) DeleteOlderThan(ctx context.Context, root string, cutoff float64) (int64, error) {
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return 0, err
	}
	var deleted int64
	err = retry.Do(ctx, retry.DefaultConfig(storage.IsBusy), func() error {
		res, err := db.ExecContext(ctx, `DELETE FROM samples WHERE ts_epoch < ?`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retention age sweep shard=%s: %w", root, err)
	}
	return deleted, nil
}

// TrimToRows keeps only the maxRows most recent samples in root's shard,
// ordered by (ts_epoch, insertion order) for a deterministic tie-break.
func (s *Store) TrimToRows(ctx context.Context, root string, maxRows int64) (int64, error) {
	if maxRows < 0 {
		return 0, fmt.Errorf("retention row sweep shard=%s: negative row bound", root)
	}
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return 0, err
	}
	var deleted int64
	err = retry.Do(ctx, retry.DefaultConfig(storage.IsBusy), func() error {
		res, err := db.ExecContext(ctx, `
DELETE FROM samples WHERE id IN (
	SELECT id FROM samples ORDER BY ts_epoch DESC, id DESC LIMIT -1 OFFSET ?
)`, maxRows)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retention row sweep shard=%s: %w", root, err)
	}
	return deleted, nil
}

// RootAggregates recomputes per-topic aggregates from the rows that remain
// in a shard. Topics whose samples were all pruned do not appear.
func (s *Store) RootAggregates(ctx context.Context, root string) ([]storage.TopicAggregate, error) {
	db, ok, err := s.shardDBIfExists(root)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT t.topic, COUNT(*), MIN(m.ts_epoch), MAX(m.ts_epoch), MIN(m.value), MAX(m.value)
FROM samples m
JOIN topics t ON t.id = m.topic_id
GROUP BY t.topic
ORDER BY t.topic`)
	if err != nil {
		return nil, fmt.Errorf("aggregate shard=%s: %w", root, err)
	}
	defer rows.Close()

	var out []storage.TopicAggregate
	for rows.Next() {
		var a storage.TopicAggregate
		if err := rows.Scan(&a.Topic, &a.Count, &a.FirstSeen, &a.LastSeen, &a.MinValue, &a.MaxValue); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
