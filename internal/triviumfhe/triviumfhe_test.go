package triviumfhe

import (
	"testing"

	"github.com/riftlab/fpfhe/internal/fhe/fhetest"
	"github.com/riftlab/fpfhe/internal/trivium"
)

func zeros(n int) []bool { return make([]bool, n) }

// TestKeystreamMatchesPlaintextTrivium is the critical correctness property
// of the whole transciphering design: the homomorphic keystream must agree,
// bit for bit, with the plaintext cipher it lifts. A mismatch here would
// mean the server and client compute different keystreams for the "same"
// key/iv, which silently corrupts every matched bit downstream.
func TestKeystreamMatchesPlaintextTrivium(t *testing.T) {
	f := fhetest.New(t)
	eng := f.Acquire(t)

	key := zeros(80)
	key[0], key[17], key[79] = true, true, true
	iv := zeros(80)
	iv[3], iv[40] = true, true

	plainState, err := trivium.Init(key, iv)
	if err != nil {
		t.Fatalf("trivium init: %v", err)
	}
	wantKS := plainState.Keystream(128)

	eKey := f.EncryptBits(key)
	eIV := f.EncryptBits(iv)
	fheState, err := Init(eng, eKey, eIV)
	if err != nil {
		t.Fatalf("triviumfhe init: %v", err)
	}
	gotEnc, err := Keystream(eng, fheState, 128)
	if err != nil {
		t.Fatalf("triviumfhe keystream: %v", err)
	}
	got := f.DecryptBits(gotEnc)

	for i := range wantKS {
		if got[i] != wantKS[i] {
			t.Fatalf("keystream bit %d: got %v want %v", i, got[i], wantKS[i])
		}
	}
}

func TestInitRejectsWrongLengths(t *testing.T) {
	f := fhetest.New(t)
	eng := f.Acquire(t)

	shortKey := f.EncryptBits(zeros(79))
	iv := f.EncryptBits(zeros(80))
	if _, err := Init(eng, shortKey, iv); err == nil {
		t.Fatal("expected error for short key")
	}
}
