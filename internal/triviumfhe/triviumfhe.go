// Package triviumfhe is the homomorphic twin of package trivium: the same
// 288-bit, three-register state machine, with every bit an fhe.EBool and
// every XOR/AND a homomorphic gate evaluated under an fhe.Engine. It must
// produce bit-for-bit the same keystream as package trivium for the same
// key/iv (enforced by the cross-package test in this package) — that
// agreement is the correctness property the whole transciphering design
// rests on.
package triviumfhe

import (
	"fmt"

	"github.com/riftlab/fpfhe/internal/fhe"
)

const (
	KeyBits   = 80
	IVBits    = 80
	StateBits = 288

	aLen = 93
	bLen = 84
	cLen = 111

	aStart = 0
	bStart = aLen
	cStart = aLen + bLen

	warmupClocks = 4 * StateBits
)

// State is the 288-EBool Trivium register under FHE, laid out identically
// to trivium.State: A = state[0:93], B = state[93:177], C = state[177:288].
type State struct {
	bits [StateBits]fhe.EBool
}

// Init builds a TriviumFHE state from an 80-EBool key and IV. The 128
// fixed bits (three trailing ones, the other 125 zero-filled slots) are
// copies of the engine's E(true)/E(false) — the server cannot synthesize any other
// constant. Init performs the mandatory 1152-clock warmup, discarding its
// output, exactly like package trivium.
func Init(eng *fhe.Engine, key, iv []fhe.EBool) (*State, error) {
	if len(key) != KeyBits {
		return nil, fmt.Errorf("triviumfhe: key must be %d bits, got %d", KeyBits, len(key))
	}
	if len(iv) != IVBits {
		return nil, fmt.Errorf("triviumfhe: iv must be %d bits, got %d", IVBits, len(iv))
	}

	s := &State{}
	eFalse := eng.False()
	for i := range s.bits {
		s.bits[i] = eFalse
	}
	copy(s.bits[0:80], key)
	copy(s.bits[93:173], iv)
	eTrue := eng.True()
	s.bits[285] = eTrue
	s.bits[286] = eTrue
	s.bits[287] = eTrue

	for i := 0; i < warmupClocks; i++ {
		if _, err := s.clock(eng); err != nil {
			return nil, fmt.Errorf("triviumfhe: warmup clock %d: %w", i, err)
		}
	}
	return s, nil
}

// clock evaluates one homomorphic clock step: 11 XOR gates and 3 AND gates.
// Taps are read from the state before any register is mutated, then each
// register is shifted in isolation and fed the feedback bit computed for it
// this round.
func (s *State) clock(eng *fhe.Engine) (fhe.EBool, error) {
	t1, err := eng.Xor(s.bits[65], s.bits[92])
	if err != nil {
		return fhe.EBool{}, err
	}
	t2, err := eng.Xor(s.bits[161], s.bits[176])
	if err != nil {
		return fhe.EBool{}, err
	}
	t3, err := eng.Xor(s.bits[242], s.bits[287])
	if err != nil {
		return fhe.EBool{}, err
	}

	z, err := eng.Xor(t1, t2)
	if err != nil {
		return fhe.EBool{}, err
	}
	z, err = eng.Xor(z, t3)
	if err != nil {
		return fhe.EBool{}, err
	}

	and1, err := eng.And(s.bits[90], s.bits[91])
	if err != nil {
		return fhe.EBool{}, err
	}
	f1, err := eng.Xor(t1, and1)
	if err != nil {
		return fhe.EBool{}, err
	}
	f1, err = eng.Xor(f1, s.bits[170])
	if err != nil {
		return fhe.EBool{}, err
	}

	and2, err := eng.And(s.bits[174], s.bits[175])
	if err != nil {
		return fhe.EBool{}, err
	}
	f2, err := eng.Xor(t2, and2)
	if err != nil {
		return fhe.EBool{}, err
	}
	f2, err = eng.Xor(f2, s.bits[263])
	if err != nil {
		return fhe.EBool{}, err
	}

	and3, err := eng.And(s.bits[285], s.bits[286])
	if err != nil {
		return fhe.EBool{}, err
	}
	f3, err := eng.Xor(t3, and3)
	if err != nil {
		return fhe.EBool{}, err
	}
	f3, err = eng.Xor(f3, s.bits[68])
	if err != nil {
		return fhe.EBool{}, err
	}

	copy(s.bits[aStart+1:aStart+aLen], s.bits[aStart:aStart+aLen-1])
	copy(s.bits[bStart+1:bStart+bLen], s.bits[bStart:bStart+bLen-1])
	copy(s.bits[cStart+1:cStart+cLen], s.bits[cStart:cStart+cLen-1])

	s.bits[aStart] = f3
	s.bits[bStart] = f1
	s.bits[cStart] = f2

	return z, nil
}

// Keystream produces n homomorphic keystream bits, advancing the state.
// Gate cost is n*(11 XOR + 3 AND); combined with the 1152-clock warmup this
// dominates the wall time of one transcipher call.
func Keystream(eng *fhe.Engine, s *State, n int) ([]fhe.EBool, error) {
	out := make([]fhe.EBool, n)
	for i := range out {
		z, err := s.clock(eng)
		if err != nil {
			return nil, fmt.Errorf("triviumfhe: keystream clock %d: %w", i, err)
		}
		out[i] = z
	}
	return out, nil
}
