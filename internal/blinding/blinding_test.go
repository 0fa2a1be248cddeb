package blinding

import (
	"crypto/rand"
	"testing"
)

func randomSalt(t *testing.T) Salt {
	t.Helper()
	var s Salt
	if _, err := rand.Read(s[:]); err != nil {
		t.Fatalf("random salt: %v", err)
	}
	return s
}

func TestStorageKeyStableForSameUserAndSalt(t *testing.T) {
	salt := randomSalt(t)
	k1, err := StorageKey(salt, "alice")
	if err != nil {
		t.Fatalf("storage key: %v", err)
	}
	k2, err := StorageKey(salt, "alice")
	if err != nil {
		t.Fatalf("storage key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected stable key, got %q and %q", k1, k2)
	}
}

func TestStorageKeyDiffersAcrossUsers(t *testing.T) {
	salt := randomSalt(t)
	k1, _ := StorageKey(salt, "alice")
	k2, _ := StorageKey(salt, "bob")
	if k1 == k2 {
		t.Fatal("expected different users to blind to different keys")
	}
}

func TestStorageKeyDiffersAcrossDeployments(t *testing.T) {
	s1 := randomSalt(t)
	s2 := randomSalt(t)
	k1, _ := StorageKey(s1, "alice")
	k2, _ := StorageKey(s2, "alice")
	if k1 == k2 {
		t.Fatal("expected different deployment salts to blind the same user_id differently")
	}
}
