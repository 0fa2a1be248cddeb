package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/riftlab/fpfhe/internal/blinding"
	"github.com/riftlab/fpfhe/internal/protocol"
	"github.com/riftlab/fpfhe/internal/seal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key, err := seal.NewKey()
	if err != nil {
		t.Fatalf("new seal key: %v", err)
	}
	var salt blinding.Salt
	copy(salt[:], "deterministic-test-salt-padding")
	return &Store{Dir: t.TempDir(), SealKey: key, BlindSalt: salt}
}

func sampleRecord(userID string) protocol.StoredRecord {
	now := time.Unix(1700000000, 0).UTC()
	return protocol.StoredRecord{
		UserID:          userID,
		CiphertextBytes: []byte{0x01, 0x02, 0x03, 0x04},
		CiphertextLen:   32,
		EKeyBytes:       []byte("enrolled-key-placeholder"),
		EIVBytes:        []byte("enrolled-iv-placeholder"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := sampleRecord("alice")

	if err := s.Put("alice", rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, found, err := s.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected record to be found")
	}
	if got.UserID != rec.UserID || string(got.EKeyBytes) != string(rec.EKeyBytes) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}
}

func TestGetMissingUser(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get("nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected no record for unknown user")
	}
}

func TestPutOverwritesExistingRecord(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("alice", sampleRecord("alice")); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	updated := sampleRecord("alice")
	updated.EKeyBytes = []byte("rotated-key")
	if err := s.Put("alice", updated); err != nil {
		t.Fatalf("put 2: %v", err)
	}
	got, found, err := s.Get("alice")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got.EKeyBytes) != "rotated-key" {
		t.Fatalf("expected overwritten record, got %q", got.EKeyBytes)
	}
}

func TestDifferentUsersDoNotCollide(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("alice", sampleRecord("alice")); err != nil {
		t.Fatalf("put alice: %v", err)
	}
	if err := s.Put("bob", sampleRecord("bob")); err != nil {
		t.Fatalf("put bob: %v", err)
	}
	a, _, _ := s.Get("alice")
	b, _, _ := s.Get("bob")
	if a.UserID != "alice" || b.UserID != "bob" {
		t.Fatalf("cross-contaminated records: a=%+v b=%+v", a, b)
	}
}

func TestCorruptStoreFileIsQuarantined(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("alice", sampleRecord("alice")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := os.WriteFile(s.path(), []byte("{not valid json"), 0600); err != nil {
		t.Fatalf("corrupt store file: %v", err)
	}

	_, found, err := s.Get("alice")
	if err != nil {
		t.Fatalf("get should not error on corruption, got: %v", err)
	}
	if found {
		t.Fatal("expected no record after corruption")
	}

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var sawQuarantine bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != "" && len(e.Name()) > len(fileName) && e.Name()[:len(fileName)] == fileName {
			sawQuarantine = true
		}
	}
	if !sawQuarantine {
		t.Fatalf("expected a quarantined file in %s, got %v", s.Dir, entries)
	}
}

func TestRegisterThenOverwriteAfterQuarantineStartsFresh(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.path(), []byte("garbage"), 0600); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}
	if err := s.Put("alice", sampleRecord("alice")); err != nil {
		t.Fatalf("put after corruption: %v", err)
	}
	got, found, err := s.Get("alice")
	if err != nil || !found {
		t.Fatalf("expected fresh store to hold the new record: found=%v err=%v", found, err)
	}
	if got.UserID != "alice" {
		t.Fatalf("unexpected record: %+v", got)
	}
}
