package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/untoldecay/heliacore/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRangeRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []storage.Record{
		{LSN: 1, Op: 0, Table: "orders", Payload: []byte("a"), OriginAt: 100},
		{LSN: 2, Op: 1, Table: "orders", Payload: []byte("b"), OriginAt: 200},
		{LSN: 3, Op: 2, Table: "customers", Payload: []byte("c"), OriginAt: 300},
	}
	for _, r := range records {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append(lsn=%d): %v", r.LSN, err)
		}
	}

	got, err := s.RangeRead(ctx, 2, 10)
	if err != nil {
		t.Fatalf("RangeRead: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RangeRead returned %d records, want 2", len(got))
	}
	if got[0].LSN != 2 || got[1].LSN != 3 {
		t.Errorf("RangeRead order = %+v, want lsn 2 then 3", got)
	}
	if string(got[0].Payload) != "b" {
		t.Errorf("RangeRead payload = %q, want %q", got[0].Payload, "b")
	}
}

func TestRangeReadRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(ctx, storage.Record{LSN: i, Table: "t"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.RangeRead(ctx, 0, 2)
	if err != nil {
		t.Fatalf("RangeRead: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RangeRead returned %d records, want 2", len(got))
	}
}

func TestLastLSNEmptyStore(t *testing.T) {
	s := openTestStore(t)
	lsn, err := s.LastLSN(context.Background())
	if err != nil {
		t.Fatalf("LastLSN: %v", err)
	}
	if lsn != 0 {
		t.Errorf("LastLSN on empty store = %d, want 0", lsn)
	}
}

func TestTruncate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		if err := s.Append(ctx, storage.Record{LSN: i, Table: "t"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := s.Truncate(ctx, 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	got, err := s.RangeRead(ctx, 0, 10)
	if err != nil {
		t.Fatalf("RangeRead: %v", err)
	}
	if len(got) != 3 || got[0].LSN != 3 {
		t.Fatalf("after truncate, entries = %+v, want lsn 3, 4 and 5 remaining", got)
	}
}

func TestPathAndUnderlyingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
	if s.UnderlyingDB() == nil {
		t.Error("UnderlyingDB() returned nil")
	}
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Append(context.Background(), storage.Record{LSN: 1, Table: "t", Payload: []byte("x")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	lsn, err := s2.LastLSN(context.Background())
	if err != nil {
		t.Fatalf("LastLSN: %v", err)
	}
	if lsn != 1 {
		t.Errorf("LastLSN after reopen = %d, want 1", lsn)
	}
}
