// Package seal envelope-encrypts the template store's on-disk bytes with a
// server-local key, independent of the FHE/Trivium layers (which protect
// data in flight and under evaluation, not at rest). AES-256-CTR for
// confidentiality, a length-prefixed SHA3-256 MAC for integrity, verified
// before decryption.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	keyLen  = 32 // AES-256
	saltLen = 16 // also doubles as the CTR IV
	macLen  = 32 // SHA3-256 output
)

// Key is a server-local storage key. It never leaves the server and has no
// relationship to any client's FHE ClientKey.
type Key [keyLen]byte

// NewKey generates a fresh storage key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("seal: generate key: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext and returns SALT(16) || CIPHERTEXT || MAC(32).
func Seal(key Key, plaintext []byte) ([]byte, error) {
	var salt [saltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("seal: generate salt: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("seal: create AES cipher: %w", err)
	}
	stream := cipher.NewCTR(block, salt[:])
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	mac := computeMAC(key, salt[:], ciphertext)

	out := make([]byte, 0, saltLen+len(ciphertext)+macLen)
	out = append(out, salt[:]...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return out, nil
}

// Open verifies the MAC and decrypts a blob produced by Seal. A MAC
// mismatch is reported as an error; callers treat it as storage corruption,
// never as silently-wrong plaintext.
func Open(key Key, sealed []byte) ([]byte, error) {
	if len(sealed) < saltLen+macLen {
		return nil, fmt.Errorf("seal: sealed blob too short: %d bytes", len(sealed))
	}
	salt := sealed[:saltLen]
	ciphertext := sealed[saltLen : len(sealed)-macLen]
	mac := sealed[len(sealed)-macLen:]

	expected := computeMAC(key, salt, ciphertext)
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, fmt.Errorf("seal: MAC verification failed")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("seal: create AES cipher: %w", err)
	}
	stream := cipher.NewCTR(block, salt)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func computeMAC(key Key, salt, ciphertext []byte) []byte {
	h := sha3.New256()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(key)))
	h.Write(lenBuf[:])
	h.Write(key[:])
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(salt)))
	h.Write(lenBuf[:])
	h.Write(salt)
	h.Write(ciphertext)
	return h.Sum(nil)
}
