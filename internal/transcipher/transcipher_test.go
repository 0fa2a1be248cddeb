package transcipher

import (
	"testing"

	"github.com/riftlab/fpfhe/internal/fhe/fhetest"
	"github.com/riftlab/fpfhe/internal/trivium"
)

func bitsFromByte(b byte) []bool {
	out := make([]bool, 8)
	for i := 0; i < 8; i++ {
		out[i] = (b>>uint(7-i))&1 == 1
	}
	return out
}

func randomishBits(n int, seed byte) []bool {
	out := make([]bool, 0, n)
	for len(out) < n {
		out = append(out, bitsFromByte(seed)...)
		seed = seed*31 + 7
	}
	return out[:n]
}

// TestRoundTrip covers the full transciphering path: the client Trivium-
// encrypts a probe, the server transciphers under FHE, and the client's
// decryption of the server's output must equal the original probe bitwise.
func TestRoundTrip(t *testing.T) {
	const n = 512
	f := fhetest.New(t)
	eng := f.Acquire(t)

	key := randomishBits(80, 0x11)
	iv := randomishBits(80, 0x42)
	probe := randomishBits(n, 0x5A)

	ciphertext, err := trivium.Encrypt(key, iv, probe)
	if err != nil {
		t.Fatalf("trivium encrypt: %v", err)
	}

	eKey := f.EncryptBits(key)
	eIV := f.EncryptBits(iv)

	encPlain, err := Transcipher(eng, ciphertext, eKey, eIV)
	if err != nil {
		t.Fatalf("transcipher: %v", err)
	}

	got := f.DecryptBits(encPlain)
	for i := range probe {
		if got[i] != probe[i] {
			t.Fatalf("bit %d: got %v want %v", i, got[i], probe[i])
		}
	}
}
