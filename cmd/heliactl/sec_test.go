package main

import (
	"testing"
	"time"

	"github.com/untoldecay/heliacore/internal/rpc"
)

func TestParseSinceRelative(t *testing.T) {
	got, err := parseSince("1 hour ago")
	if err != nil {
		t.Fatalf("parseSince: %v", err)
	}
	if diff := time.Since(got); diff < 30*time.Minute || diff > 90*time.Minute {
		t.Errorf("parseSince(%q) = %v, %v ago; want roughly 1 hour ago", "1 hour ago", got, diff)
	}
}

func TestParseSinceUnparseable(t *testing.T) {
	if _, err := parseSince("not a time at all, nonsense xyz"); err == nil {
		t.Error("expected an error for unparseable --since text")
	}
}

func TestFilterSince(t *testing.T) {
	now := time.Now()
	entries := []rpc.ForensicRecordInfo{
		{ID: 1, Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339Nano)},
		{ID: 2, Timestamp: now.Add(-30 * time.Minute).Format(time.RFC3339Nano)},
		{ID: 3, Timestamp: now.Format(time.RFC3339Nano)},
	}

	cutoff := now.Add(-time.Hour)
	got := filterSince(entries, cutoff)

	if len(got) != 2 {
		t.Fatalf("filterSince returned %d entries, want 2", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 3 {
		t.Errorf("filterSince = %+v, want ids 2 and 3", got)
	}
}

func TestFilterSinceKeepsUnparseableTimestamps(t *testing.T) {
	entries := []rpc.ForensicRecordInfo{{ID: 1, Timestamp: "not-a-timestamp"}}
	got := filterSince(entries, time.Now())
	if len(got) != 1 {
		t.Errorf("filterSince should keep entries with unparseable timestamps rather than drop them, got %+v", got)
	}
}
