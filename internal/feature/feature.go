// Package feature stands in for a real biometric feature extractor (LBP
// histograms, Otsu thresholding, minutiae, or whatever the upstream sensor
// pipeline produces). It derives a deterministic N-bit vector from an
// input image file so the rest of the pipeline (Trivium encryption,
// transciphering, matching) has something bit-shaped to operate on end to
// end.
//
// This is not a biometric algorithm. It is a fixture generator: a SHAKE256
// XOF expanded over the file's bytes. A real deployment replaces this
// package; nothing else depends on more than its []bool output shape.
package feature

import (
	"fmt"
	"os"

	"golang.org/x/crypto/sha3"
)

// ExtractBits reads the file at path and derives a deterministic n-bit
// feature vector from its contents. The same file always yields the same
// vector; distinct files yield vectors that differ in roughly half their
// bits, which is sufficient for exercising the matcher's Hamming-distance
// pipeline without claiming any biometric meaning.
func ExtractBits(path string, n int) ([]bool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("feature: n must be positive, got %d", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feature: read %s: %w", path, err)
	}

	numBytes := (n + 7) / 8
	digest := make([]byte, numBytes)
	xof := sha3.NewShake256()
	xof.Write([]byte("fpfhe-feature-stand-in\x00"))
	xof.Write(data)
	if _, err := xof.Read(digest); err != nil {
		return nil, fmt.Errorf("feature: expand digest: %w", err)
	}

	bits := make([]bool, n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		bits[i] = (digest[byteIdx]>>bitIdx)&1 == 1
	}
	return bits, nil
}
