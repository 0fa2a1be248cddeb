// Package fhetest builds ready-to-use FHE test fixtures: a parameter set, a
// client key/evaluation key pair, and an acquired Engine with its release
// registered via t.Cleanup. It exists so every package that exercises
// homomorphic gates (triviumfhe, transcipher, matcher, session) can share
// one setup instead of repeating key generation in every _test.go file.
package fhetest

import (
	"testing"

	"github.com/riftlab/fpfhe/internal/fhe"
)

// Fixture bundles everything a test needs to encrypt plaintext, run gates,
// and decrypt the result.
type Fixture struct {
	Params fhe.Params
	Client *fhe.ClientKey
	Eval   *fhe.EvaluationKey
	Enc    *fhe.Encryptor
	Dec    *fhe.Decryptor
}

// New generates a fresh parameter set and key pair.
func New(t testing.TB) *Fixture {
	t.Helper()
	params, err := fhe.NewParams()
	if err != nil {
		t.Fatalf("fhetest: new params: %v", err)
	}
	kg := fhe.NewKeyGenerator(params)
	ck := kg.GenClientKey()
	ek := kg.GenEvaluationKey(ck)

	return &Fixture{
		Params: params,
		Client: ck,
		Eval:   ek,
		Enc:    fhe.NewEncryptor(params, ck),
		Dec:    fhe.NewDecryptor(params, ck),
	}
}

// Acquire installs the fixture's evaluation key and returns a ready Engine.
// Release is registered with t.Cleanup, so callers never need to call it
// themselves.
func (f *Fixture) Acquire(t testing.TB) *fhe.Engine {
	t.Helper()
	eTrue := f.Enc.Encrypt(true)
	eng, release, err := fhe.Acquire(f.Params, f.Eval, eTrue)
	if err != nil {
		t.Fatalf("fhetest: acquire engine: %v", err)
	}
	t.Cleanup(release)
	return eng
}

// EncryptBits is a thin convenience wrapper over Encryptor.EncryptBits.
func (f *Fixture) EncryptBits(bits []bool) []fhe.EBool {
	return f.Enc.EncryptBits(bits)
}

// DecryptBits is a thin convenience wrapper over Decryptor.DecryptBits.
func (f *Fixture) DecryptBits(es []fhe.EBool) []bool {
	return f.Dec.DecryptBits(es)
}
