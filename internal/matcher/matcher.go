// Package matcher reduces two equal-length EBool bitstrings to an encrypted
// Hamming distance and an encrypted threshold verdict, entirely under FHE:
// diff_bits (homomorphic XOR) -> popcount (ripple-carry accumulator) ->
// leq_constant (MSB-first sweep against a plaintext threshold).
package matcher

import (
	"fmt"
	"math/bits"

	"github.com/riftlab/fpfhe/internal/fhe"
)

// CounterWidth returns ceil(log2(n+1)), the exact number of bits needed for
// a popcount accumulator over n input bits without wraparound. n and the
// counter width are coupled configuration: an undersized counter silently
// wraps, an oversized one wastes gates.
func CounterWidth(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n))
}

// DiffBits computes d[i] = a[i] XOR b[i]. a and b must have equal length.
func DiffBits(eng *fhe.Engine, a, b []fhe.EBool) ([]fhe.EBool, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("matcher: diff_bits length mismatch: %d vs %d", len(a), len(b))
	}
	d := make([]fhe.EBool, len(a))
	for i := range a {
		x, err := eng.Xor(a[i], b[i])
		if err != nil {
			return nil, fmt.Errorf("matcher: diff_bits[%d]: %w", i, err)
		}
		d[i] = x
	}
	return d, nil
}

// Popcount counts the true bits of diff into a W = CounterWidth(len(diff))
// wide, LSB-first accumulator, via a ripple-carry chain of half adders run
// once per input bit. Gate cost is W XOR + W AND per input bit.
func Popcount(eng *fhe.Engine, diff []fhe.EBool) ([]fhe.EBool, error) {
	w := CounterWidth(len(diff))
	acc := make([]fhe.EBool, w)
	eFalse := eng.False()
	for i := range acc {
		acc[i] = eFalse
	}

	for _, b := range diff {
		carry := b
		for i := 0; i < w; i++ {
			sum, err := eng.Xor(acc[i], carry)
			if err != nil {
				return nil, fmt.Errorf("matcher: popcount sum bit %d: %w", i, err)
			}
			nextCarry, err := eng.And(acc[i], carry)
			if err != nil {
				return nil, fmt.Errorf("matcher: popcount carry bit %d: %w", i, err)
			}
			acc[i] = sum
			carry = nextCarry
		}
	}
	return acc, nil
}

// LeqConstant evaluates dist <= threshold, an MSB-first sweep maintaining a
// "strictly greater" flag and an "equal so far" flag; threshold is a
// plaintext constant, so cost is O(W) gates independent of its value.
func LeqConstant(eng *fhe.Engine, dist []fhe.EBool, threshold int) (fhe.EBool, error) {
	w := len(dist)
	gt := eng.False()
	eq := eng.True()

	for i := w - 1; i >= 0; i-- {
		bit := (threshold >> uint(i)) & 1
		if bit == 0 {
			and, err := eng.And(eq, dist[i])
			if err != nil {
				return fhe.EBool{}, fmt.Errorf("matcher: leq_constant AND bit %d: %w", i, err)
			}
			gt, err = eng.Or(gt, and)
			if err != nil {
				return fhe.EBool{}, fmt.Errorf("matcher: leq_constant OR bit %d: %w", i, err)
			}
			notBit, err := eng.Not(dist[i])
			if err != nil {
				return fhe.EBool{}, fmt.Errorf("matcher: leq_constant NOT bit %d: %w", i, err)
			}
			eq, err = eng.And(eq, notBit)
			if err != nil {
				return fhe.EBool{}, fmt.Errorf("matcher: leq_constant AND(eq) bit %d: %w", i, err)
			}
		} else {
			var err error
			eq, err = eng.And(eq, dist[i])
			if err != nil {
				return fhe.EBool{}, fmt.Errorf("matcher: leq_constant AND(eq,bit) bit %d: %w", i, err)
			}
		}
	}

	result, err := eng.Not(gt)
	if err != nil {
		return fhe.EBool{}, fmt.Errorf("matcher: leq_constant final NOT: %w", err)
	}
	return result, nil
}

// Threshold returns floor(n*(1-theta)), the maximum Hamming distance that
// still counts as a match at similarity threshold theta (typical 0.70-0.80).
func Threshold(n int, theta float64) int {
	return int(float64(n) * (1 - theta))
}

// Match runs diff_bits -> popcount -> leq_constant in one call and returns
// the encrypted distance counter alongside the encrypted match verdict.
func Match(eng *fhe.Engine, a, b []fhe.EBool, threshold int) (matched fhe.EBool, distance []fhe.EBool, err error) {
	diff, err := DiffBits(eng, a, b)
	if err != nil {
		return fhe.EBool{}, nil, err
	}
	distance, err = Popcount(eng, diff)
	if err != nil {
		return fhe.EBool{}, nil, err
	}
	matched, err = LeqConstant(eng, distance, threshold)
	if err != nil {
		return fhe.EBool{}, nil, err
	}
	return matched, distance, nil
}
