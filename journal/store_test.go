package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestJournal(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		if err := s.Record(Attempt{MessageID: "m1", ReceiveCount: i, Outcome: OutcomeFailed, FinishedAt: now}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	// m10 shares a textual prefix with m1 and must not leak into its listing.
	if err := s.Record(Attempt{MessageID: "m10", ReceiveCount: 1, Outcome: OutcomeCompleted, FinishedAt: now}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := s.ListFor("m1")
	if err != nil {
		t.Fatalf("ListFor failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 attempts for m1, got %d", len(got))
	}
	for i, a := range got {
		if a.ReceiveCount != i+1 {
			t.Errorf("Attempts out of order: %+v", got)
		}
	}

	all, err := s.List()
	if err != nil || len(all) != 4 {
		t.Errorf("Expected 4 attempts overall, got %d (%v)", len(all), err)
	}

	if err := s.Record(Attempt{}); err == nil {
		t.Error("Expected an error for an attempt without message id")
	}
}

func TestCleanupOlderThan(t *testing.T) {
	s := openTestJournal(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Record(Attempt{MessageID: "old", ReceiveCount: 1, FinishedAt: now.Add(-48 * time.Hour)})
	s.Record(Attempt{MessageID: "new", ReceiveCount: 1, FinishedAt: now.Add(-time.Hour)})

	n, err := s.CleanupOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 removal, got %d", n)
	}
	if left, _ := s.List(); len(left) != 1 || left[0].MessageID != "new" {
		t.Errorf("Unexpected remaining attempts %+v", left)
	}
	if err := s.CheckHealth(); err != nil {
		t.Errorf("CheckHealth failed: %v", err)
	}
}
