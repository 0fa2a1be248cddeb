// Package transcipher absorbs a public Trivium ciphertext bitstring into a
// TriviumFHE keystream, producing an FHE plaintext without ever encrypting
// the bulk ciphertext under FHE. Each clear ciphertext bit selects, at
// evaluation time, whether the keystream bit passes through unchanged or is
// homomorphically negated — a single XOR with the public constant E(true),
// never an extra AND gate.
package transcipher

import (
	"fmt"

	"github.com/riftlab/fpfhe/internal/fhe"
	"github.com/riftlab/fpfhe/internal/triviumfhe"
)

// Transcipher runs TriviumFHE under key/iv, draws len(clearCiphertext)
// keystream bits, and emits the FHE plaintext bit by bit:
//
//	clearCiphertext[i] == false -> output keystream[i]
//	clearCiphertext[i] == true  -> output keystream[i] XOR E(true)
//
// key and iv are the client's Trivium key/IV, FHE-encrypted; E(true) is the
// client-supplied constant the engine was acquired with (eng.True()).
func Transcipher(eng *fhe.Engine, clearCiphertext []bool, key, iv []fhe.EBool) ([]fhe.EBool, error) {
	state, err := triviumfhe.Init(eng, key, iv)
	if err != nil {
		return nil, fmt.Errorf("transcipher: init triviumfhe: %w", err)
	}

	keystream, err := triviumfhe.Keystream(eng, state, len(clearCiphertext))
	if err != nil {
		return nil, fmt.Errorf("transcipher: keystream: %w", err)
	}

	out := make([]fhe.EBool, len(clearCiphertext))
	for i, c := range clearCiphertext {
		if !c {
			out[i] = keystream[i]
			continue
		}
		negated, err := eng.Xor(keystream[i], eng.True())
		if err != nil {
			return nil, fmt.Errorf("transcipher: negate bit %d: %w", i, err)
		}
		out[i] = negated
	}
	return out, nil
}
