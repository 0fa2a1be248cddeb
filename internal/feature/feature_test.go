package feature

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(p, []byte(contents), 0600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestExtractBitsDeterministic(t *testing.T) {
	p := writeTempFile(t, "a fingerprint image, or a reasonable stand-in for one")
	a, err := ExtractBits(p, 512)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	b, err := ExtractBits(p, 512)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic output, differed at bit %d", i)
		}
	}
}

func TestExtractBitsLength(t *testing.T) {
	p := writeTempFile(t, "contents")
	for _, n := range []int{1, 8, 9, 128, 512, 1024} {
		bits, err := ExtractBits(p, n)
		if err != nil {
			t.Fatalf("extract n=%d: %v", n, err)
		}
		if len(bits) != n {
			t.Fatalf("n=%d: got %d bits", n, len(bits))
		}
	}
}

func TestExtractBitsDiffersAcrossFiles(t *testing.T) {
	p1 := writeTempFile(t, "enrolled probe")
	p2 := writeTempFile(t, "a completely different probe")

	a, err := ExtractBits(p1, 512)
	if err != nil {
		t.Fatalf("extract p1: %v", err)
	}
	b, err := ExtractBits(p2, 512)
	if err != nil {
		t.Fatalf("extract p2: %v", err)
	}

	diff := 0
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	if diff == 0 {
		t.Fatal("expected different files to produce different vectors")
	}
}

func TestExtractBitsRejectsNonPositiveN(t *testing.T) {
	p := writeTempFile(t, "contents")
	if _, err := ExtractBits(p, 0); err == nil {
		t.Fatal("expected error for n=0")
	}
	if _, err := ExtractBits(p, -1); err == nil {
		t.Fatal("expected error for negative n")
	}
}

func TestExtractBitsMissingFile(t *testing.T) {
	if _, err := ExtractBits(filepath.Join(t.TempDir(), "missing.bin"), 128); err == nil {
		t.Fatal("expected error for missing file")
	}
}
