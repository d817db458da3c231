package cdc

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
)

type memOffsets struct {
	positions map[string]string
}

func (m *memOffsets) GetSourceOffset(_ context.Context, source string) (string, error) {
	p, ok := m.positions[source]
	if !ok {
		return "", storage.ErrNotFound
	}
	return p, nil
}

func (m *memOffsets) SetSourceOffset(_ context.Context, source, position string) error {
	m.positions[source] = position
	return nil
}

func writeChanges(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changes.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("writing changes: %v", err)
	}
	return path
}

func drain(t *testing.T, s Source) []ChangeRecord {
	t.Helper()
	var out []ChangeRecord
	for {
		rec, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, rec)
	}
}

func TestFileSource_ReadsInOrder(t *testing.T) {
	path := writeChanges(t,
		`{"op":"c","after":{"complaint_id":1,"description":"a"}}`,
		``,
		`{"op":"c","after":{"complaint_id":2,"description":"b"}}`,
		`null`,
		`{"op":"d","before":{"complaint_id":1,"description":"a"}}`,
	)
	s, err := OpenFile(context.Background(), path, FileOptions{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()

	recs := drain(t, s)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	wantOffsets := []uint64{1, 3, 5}
	for i, rec := range recs {
		if rec.Offset != wantOffsets[i] {
			t.Errorf("record %d offset = %d, want %d", i, rec.Offset, wantOffsets[i])
		}
	}
	if recs[2].Op != OpDelete {
		t.Errorf("last op = %v, want delete", recs[2].Op)
	}
}

func TestFileSource_ResumesFromCommittedOffset(t *testing.T) {
	path := writeChanges(t,
		`{"op":"c","after":{"complaint_id":1,"description":"a"}}`,
		`{"op":"c","after":{"complaint_id":2,"description":"b"}}`,
		`{"op":"c","after":{"complaint_id":3,"description":"c"}}`,
	)
	offsets := &memOffsets{positions: map[string]string{}}
	ctx := context.Background()

	s, err := OpenFile(ctx, path, FileOptions{Offsets: offsets})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	first, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := s.Commit(ctx, first.Offset); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.Close()

	s2, err := OpenFile(ctx, path, FileOptions{Offsets: offsets})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs := drain(t, s2)
	if len(recs) != 2 {
		t.Fatalf("got %d records after resume, want 2", len(recs))
	}
	if id, _ := recs[0].EntityID(); id != 2 {
		t.Errorf("first resumed entity = %d, want 2", id)
	}
}

func TestFileSource_DecodeErrorKeepsOffset(t *testing.T) {
	path := writeChanges(t,
		`{"op":"c","after":{"complaint_id":1,"description":"a"}}`,
		`{broken`,
		`{"op":"c","after":{"complaint_id":2,"description":"b"}}`,
	)
	s, err := OpenFile(context.Background(), path, FileOptions{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	_, err = s.Next(ctx)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
	if de.Offset != 2 || string(de.Raw) != "{broken" {
		t.Errorf("DecodeError = offset %d raw %q", de.Offset, de.Raw)
	}
	rec, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next after decode error: %v", err)
	}
	if rec.Offset != 3 {
		t.Errorf("offset = %d, want 3", rec.Offset)
	}
}

func TestFileSource_FollowStopsOnCancel(t *testing.T) {
	path := writeChanges(t)
	s, err := OpenFile(context.Background(), path, FileOptions{Follow: true, Poll: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next error = %v, want context.Canceled", err)
	}
}
