package approvals

import (
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertCreatesOncePerActor(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "pending-approvals.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	userID := int64(999)
	now := time.Now()

	first, created, err := s.Upsert(100, &userID, "user_not_allowed", now)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !created {
		t.Fatal("expected first Upsert to create a new entry")
	}
	if len(first.PIN) != 6 {
		t.Fatalf("expected a 6-digit PIN, got %q", first.PIN)
	}

	second, created, err := s.Upsert(100, &userID, "user_not_allowed", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Upsert (repeat): %v", err)
	}
	if created {
		t.Fatal("expected the second Upsert for the same actor to not create a new entry")
	}
	if second.PIN != first.PIN {
		t.Fatalf("expected the same PIN to be returned, got %q vs %q", second.PIN, first.PIN)
	}
}

func TestUpsertDistinctActorsGetDistinctPins(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "pending-approvals.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u1, u2 := int64(1), int64(2)
	now := time.Now()

	a, _, err := s.Upsert(100, &u1, "user_not_allowed", now)
	if err != nil {
		t.Fatalf("Upsert a: %v", err)
	}
	b, _, err := s.Upsert(100, &u2, "user_not_allowed", now)
	if err != nil {
		t.Fatalf("Upsert b: %v", err)
	}
	if a.PIN == b.PIN {
		t.Fatal("expected distinct actors to receive distinct PINs")
	}
}

func TestApproveRemovesEntry(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "pending-approvals.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry, _, err := s.Upsert(100, nil, "chat_not_allowed", time.Now())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	approved, ok, err := s.Approve(entry.PIN)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !ok || approved.ChatID != 100 {
		t.Fatalf("expected approval to find the entry, got ok=%v entry=%+v", ok, approved)
	}

	_, ok, err = s.Approve(entry.PIN)
	if err != nil {
		t.Fatalf("Approve (repeat): %v", err)
	}
	if ok {
		t.Fatal("expected a second Approve with the same PIN to find nothing")
	}
}
