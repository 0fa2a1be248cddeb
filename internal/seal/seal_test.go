package seal

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	plaintext := []byte("a template record's serialized bytes")

	sealed, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := NewKey()
	sealed, err := Seal(key, []byte("sensitive"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[20] ^= 0xFF

	if _, err := Open(key, sealed); err == nil {
		t.Fatal("expected MAC verification failure")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, _ := NewKey()
	other, _ := NewKey()
	sealed, err := Seal(key, []byte("sensitive"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(other, sealed); err == nil {
		t.Fatal("expected MAC verification failure under wrong key")
	}
}
