package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the migrations create the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_dead_letters_created", "idx_sentiment_results_country_window"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestComplaintEmbeddingsTableExists(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.db.Query("PRAGMA table_info(complaint_embeddings)")
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan: %v", err)
		}
		cols[name] = true
		if name == "entity_id" && pk != 1 {
			t.Errorf("entity_id is not the primary key")
		}
	}
	for _, c := range []string{"entity_id", "embedding", "updated_at"} {
		if !cols[c] {
			t.Errorf("missing column %s", c)
		}
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.SaveDeadLetter(ctx, DeadLetter{
			ID:           fmt.Sprintf("dl-%d", i),
			EntityID:     int64(100 + i),
			Operation:    "insert",
			SourceOffset: fmt.Sprintf("%d", i),
			Payload:      `{"complaint_id":1}`,
			Reason:       "connection refused",
			Attempts:     3,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveDeadLetter: %v", err)
		}
	}

	got, err := s.ListDeadLetters(ctx, 2)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d dead letters, want 2", len(got))
	}
	if got[0].ID != "dl-2" {
		t.Errorf("first = %q, want newest dl-2", got[0].ID)
	}
	if got[0].EntityID != 102 || got[0].Attempts != 3 || got[0].Reason != "connection refused" {
		t.Errorf("unexpected dead letter: %+v", got[0])
	}

	if err := s.DeleteDeadLetter(ctx, "dl-2"); err != nil {
		t.Fatalf("DeleteDeadLetter: %v", err)
	}
	if err := s.DeleteDeadLetter(ctx, "dl-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestSentimentResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []SentimentRecord{
		{ID: "r1", ContextID: "c1", Country: "Belgium", WindowStart: 1000, WindowEnd: 2000, Severity: "High", Themes: `["delivery"]`, Summary: "late"},
		{ID: "r2", ContextID: "c2", Country: "Belgium", WindowStart: 3000, WindowEnd: 4000, Severity: "Low", Summary: "fine"},
		{ID: "r3", ContextID: "c3", Country: "France", WindowStart: 5000, WindowEnd: 6000, Severity: "Unknown", Summary: "raw"},
	}
	for _, r := range records {
		if err := s.SaveSentimentResult(ctx, r); err != nil {
			t.Fatalf("SaveSentimentResult(%s): %v", r.ID, err)
		}
	}

	got, err := s.ListSentimentResults(ctx, "Belgium", 10)
	if err != nil {
		t.Fatalf("ListSentimentResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "r2" || got[1].ID != "r1" {
		t.Errorf("order = [%s %s], want [r2 r1]", got[0].ID, got[1].ID)
	}
	if got[0].Themes != "[]" {
		t.Errorf("default themes = %q, want []", got[0].Themes)
	}

	all, err := s.ListSentimentResults(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListSentimentResults(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d results, want 3", len(all))
	}
}

func TestSourceOffsets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSourceOffset(ctx, "file:changes.jsonl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSourceOffset on empty = %v, want ErrNotFound", err)
	}
	if err := s.SetSourceOffset(ctx, "file:changes.jsonl", "12"); err != nil {
		t.Fatalf("SetSourceOffset: %v", err)
	}
	if err := s.SetSourceOffset(ctx, "file:changes.jsonl", "40"); err != nil {
		t.Fatalf("SetSourceOffset: %v", err)
	}
	got, err := s.GetSourceOffset(ctx, "file:changes.jsonl")
	if err != nil {
		t.Fatalf("GetSourceOffset: %v", err)
	}
	if got != "40" {
		t.Errorf("offset = %q, want 40", got)
	}
}
