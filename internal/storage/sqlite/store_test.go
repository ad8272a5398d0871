package sqlite

import (
	"context"
	"math"
	"strings"
	"testing"

	"mqttvault/internal/domain"
	"mqttvault/internal/storage"
)

func TestSchemaInitializationCreatesExpectedTables(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db, err := s.shardDB("sensors")
	if err != nil {
		t.Fatalf("shard init: %v", err)
	}
	for _, table := range []string{"topics", "samples", "schema_migrations"} {
		var cnt int
		if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&cnt); err != nil {
			t.Fatal(err)
		}
		if cnt != 1 {
			t.Fatalf("table %s missing", table)
		}
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal mode must be WAL, got %q", mode)
	}
}

func TestAppendThenQueryRange(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	t0 := 1756600000.25
	if err := s.Append(ctx, domain.Sample{Topic: "sensors/x", TS: t0, Value: 23.5}); err != nil {
		t.Fatal(err)
	}

	points, err := s.QueryRange(ctx, "sensors/x", storage.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].TS != t0 || points[0].Value != 23.5 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestTopicInterningIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, domain.Sample{Topic: "sensors/x", TS: float64(i), Value: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	db, _ := s.shardDB("sensors")
	var topicRows, sampleRows int
	if err := db.QueryRow(`SELECT count(*) FROM topics`).Scan(&topicRows); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT count(*) FROM samples`).Scan(&sampleRows); err != nil {
		t.Fatal(err)
	}
	if topicRows != 1 {
		t.Fatalf("expected 1 interned topic, got %d", topicRows)
	}
	if sampleRows != 5 {
		t.Fatalf("expected 5 samples, got %d", sampleRows)
	}
}

func TestQueryRangeBoundsAndLimit(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		if err := s.Append(ctx, domain.Sample{Topic: "a/b", TS: float64(100 + i), Value: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	start, end := 102.0, 107.0
	points, err := s.QueryRange(ctx, "a/b", storage.RangeQuery{Start: &start, End: &end})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 6 || points[0].TS != 102 || points[5].TS != 107 {
		t.Fatalf("unexpected bounded range: %+v", points)
	}
	for i := 1; i < len(points); i++ {
		if points[i].TS < points[i-1].TS {
			t.Fatalf("points not ascending: %+v", points)
		}
	}

	capped, err := s.QueryRange(ctx, "a/b", storage.RangeQuery{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 3 {
		t.Fatalf("expected 3 capped rows, got %d", len(capped))
	}
}

func TestMissingShardAndTopicYieldEmptyResults(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	points, err := s.QueryRange(ctx, "never/seen", storage.RangeQuery{})
	if err != nil || points != nil {
		t.Fatalf("missing shard should be empty, got (%v, %v)", points, err)
	}

	if err := s.Append(ctx, domain.Sample{Topic: "seen/x", TS: 1, Value: 1}); err != nil {
		t.Fatal(err)
	}
	points, err = s.QueryRange(ctx, "seen/other", storage.RangeQuery{})
	if err != nil || points != nil {
		t.Fatalf("unknown topic should be empty, got (%v, %v)", points, err)
	}

	if _, ok, err := s.QueryBounds(ctx, "never/seen"); err != nil || ok {
		t.Fatalf("missing shard bounds should be not-found, got (%v, %v)", ok, err)
	}
}

func TestQueryBounds(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, ts := range []float64{50, 10, 30} {
		if err := s.Append(ctx, domain.Sample{Topic: "p/q", TS: ts, Value: ts}); err != nil {
			t.Fatal(err)
		}
	}
	b, ok, err := s.QueryBounds(ctx, "p/q")
	if err != nil || !ok {
		t.Fatalf("bounds: (%v, %v)", ok, err)
	}
	if b.Min != 10 || b.Max != 50 {
		t.Fatalf("unexpected bounds: %+v", b)
	}
}

func TestPurgeTopicKeepsInterningRow(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Append(ctx, domain.Sample{Topic: "g/h", TS: 1, Value: 2}); err != nil {
		t.Fatal(err)
	}
	deleted, err := s.PurgeTopic(ctx, "g/h")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}

	db, _ := s.shardDB("g")
	var topicRows int
	if err := db.QueryRow(`SELECT count(*) FROM topics WHERE topic='g/h'`).Scan(&topicRows); err != nil {
		t.Fatal(err)
	}
	if topicRows != 1 {
		t.Fatalf("interning row must survive purge")
	}

	// Re-append after purge must not renumber the id.
	var idBefore int64
	if err := db.QueryRow(`SELECT id FROM topics WHERE topic='g/h'`).Scan(&idBefore); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, domain.Sample{Topic: "g/h", TS: 3, Value: 4}); err != nil {
		t.Fatal(err)
	}
	var idAfter int64
	if err := db.QueryRow(`SELECT id FROM topics WHERE topic='g/h'`).Scan(&idAfter); err != nil {
		t.Fatal(err)
	}
	if idBefore != idAfter {
		t.Fatalf("topic id changed across purge: %d -> %d", idBefore, idAfter)
	}
}

func TestTrimToRowsKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 150; i++ {
		if err := s.Append(ctx, domain.Sample{Topic: "w/x", TS: float64(1000 + i), Value: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	deleted, err := s.TrimToRows(ctx, "w", 100)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 50 {
		t.Fatalf("expected 50 trimmed rows, got %d", deleted)
	}

	points, err := s.QueryRange(ctx, "w/x", storage.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 100 {
		t.Fatalf("expected 100 remaining rows, got %d", len(points))
	}
	if points[0].TS != 1050 || points[99].TS != 1149 {
		t.Fatalf("kept rows are not the most recent: first=%v last=%v", points[0].TS, points[99].TS)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		if err := s.Append(ctx, domain.Sample{Topic: "old/x", TS: float64(i), Value: 1}); err != nil {
			t.Fatal(err)
		}
	}
	deleted, err := s.DeleteOlderThan(ctx, "old", 5)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 5 {
		t.Fatalf("expected 5 deleted, got %d", deleted)
	}
	points, err := s.QueryRange(ctx, "old/x", storage.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range points {
		if p.TS < 5 {
			t.Fatalf("row older than cutoff survived: %+v", p)
		}
	}
}

func TestPruneMissingShardIsNoop(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if n, err := s.DeleteOlderThan(ctx, "ghost", 100); err != nil || n != 0 {
		t.Fatalf("missing shard age sweep: (%d, %v)", n, err)
	}
	if n, err := s.TrimToRows(ctx, "ghost", 10); err != nil || n != 0 {
		t.Fatalf("missing shard row sweep: (%d, %v)", n, err)
	}
}

func TestRootAggregates(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, sm := range []domain.Sample{
		{Topic: "agg/a", TS: 1, Value: 10},
		{Topic: "agg/a", TS: 2, Value: -5},
		{Topic: "agg/b", TS: 3, Value: 7},
	} {
		if err := s.Append(ctx, sm); err != nil {
			t.Fatal(err)
		}
	}

	aggs, err := s.RootAggregates(ctx, "agg")
	if err != nil {
		t.Fatal(err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggs))
	}
	a := aggs[0]
	if a.Topic != "agg/a" || a.Count != 2 || a.FirstSeen != 1 || a.LastSeen != 2 || a.MinValue != -5 || a.MaxValue != 10 {
		t.Fatalf("unexpected aggregate: %+v", a)
	}
}

func TestRecoveryReopenWALDatabases(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	{
		s, err := NewStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Append(ctx, domain.Sample{Topic: "recover/x", TS: 9.5, Value: 1.25}); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	points, err := s2.QueryRange(ctx, "recover/x", storage.RangeQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].TS != 9.5 || points[0].Value != 1.25 {
		t.Fatalf("unexpected recovered data: %+v", points)
	}
}

func TestAppendRejectsNonFiniteValues(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if err := s.Append(ctx, domain.Sample{Topic: "x/y", TS: 1, Value: v}); err == nil {
			t.Fatalf("expected finite-value error for %v", v)
		}
	}
}
