// Package session orchestrates one Register or Verify request end to end:
// it owns the process-wide evaluation-key slot for its lifetime, runs
// Transcipher and Matcher in the required order, and persists or reports
// the result.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/riftlab/fpfhe/internal/fhe"
	"github.com/riftlab/fpfhe/internal/matcher"
	"github.com/riftlab/fpfhe/internal/protocol"
	"github.com/riftlab/fpfhe/internal/store"
	"github.com/riftlab/fpfhe/internal/transcipher"
)

// Config holds the fixed parameters shared by every session opened on this
// worker.
type Config struct {
	Params fhe.Params
	N      int     // feature vector bit length, fixed at deployment time
	Theta  float64 // match similarity threshold
	Store  *store.Store
	Logger *slog.Logger
}

// Handle is one acquired session. It holds the process-wide evaluation-key
// slot from Open until Close and must not be used concurrently from two
// goroutines.
type Handle struct {
	cfg     Config
	eng     *fhe.Engine
	release func()
}

// Open installs evalKey as the process-wide evaluation key for the
// lifetime of the returned Handle. It blocks if another Handle is
// currently open on this worker's slot: sessions sharing a slot serialize
// rather than interleave gates evaluated under different keys.
func Open(cfg Config, evalKey *fhe.EvaluationKey, eTrue fhe.EBool) (*Handle, error) {
	eng, release, err := fhe.Acquire(cfg.Params, evalKey, eTrue)
	if err != nil {
		return nil, fmt.Errorf("session: acquire evaluation key: %w", err)
	}
	return &Handle{cfg: cfg, eng: eng, release: release}, nil
}

// Close releases the evaluation-key slot. Callers must call it exactly
// once, typically via defer immediately after a successful Open.
func (h *Handle) Close() {
	h.release()
}

// Register persists req's ciphertext, Trivium key/IV, and (on first
// registration) evaluation key, overwriting any previous record for the
// same user_id. Per the orchestrator's defined order it never runs the
// matcher.
func (h *Handle) Register(req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	if len(req.Ciphertext) != h.cfg.N {
		return protocol.RegisterResponse{}, fmt.Errorf(
			"session: register ciphertext is %d bits, want %d", len(req.Ciphertext), h.cfg.N)
	}

	now := time.Now().UTC()
	existing, found, err := h.cfg.Store.Get(req.UserID)
	if err != nil {
		return protocol.RegisterResponse{}, fmt.Errorf("session: lookup existing record: %w", err)
	}

	evalKeyBytes := req.EServerKeyBytes
	if len(evalKeyBytes) == 0 && found {
		evalKeyBytes = existing.EvalKeyBytes
	}
	if len(evalKeyBytes) == 0 {
		return protocol.RegisterResponse{}, fmt.Errorf(
			"session: register requires e_server_key_bytes on first registration for %q", req.UserID)
	}

	createdAt := now
	if found {
		createdAt = existing.CreatedAt
	}

	rec := protocol.StoredRecord{
		UserID:          req.UserID,
		CiphertextBytes: protocol.PackBits(req.Ciphertext),
		CiphertextLen:   len(req.Ciphertext),
		EKeyBytes:       req.EKeyBytes,
		EIVBytes:        req.EIVBytes,
		EvalKeyBytes:    evalKeyBytes,
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}
	if err := h.cfg.Store.Put(req.UserID, rec); err != nil {
		return protocol.RegisterResponse{}, fmt.Errorf("session: persist record: %w", err)
	}

	h.cfg.Logger.Info("registered user", "user_id", req.UserID)
	return protocol.RegisterResponse{
		Success:   true,
		Message:   "registered",
		UserID:    req.UserID,
		Timestamp: now,
	}, nil
}

// Verify runs Transcipher on the enrolled record and on the probe, then
// Matcher, and returns the encrypted verdict. A user_id with no enrolled
// record is reported back as an unsuccessful response, never a panic or a
// crashed session.
func (h *Handle) Verify(req protocol.VerifyRequest) (protocol.VerifyResponse, error) {
	now := time.Now().UTC()

	rec, found, err := h.cfg.Store.Get(req.UserID)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: lookup record: %w", err)
	}
	if !found {
		h.cfg.Logger.Warn("verify for unknown user", "user_id", req.UserID)
		return protocol.VerifyResponse{Success: false, Timestamp: now}, nil
	}
	if rec.CiphertextLen != h.cfg.N || len(req.Ciphertext) != h.cfg.N {
		return protocol.VerifyResponse{}, fmt.Errorf(
			"session: verify ciphertext length mismatch: enrolled %d, probe %d, want %d",
			rec.CiphertextLen, len(req.Ciphertext), h.cfg.N)
	}

	enrolledKey, err := fhe.UnmarshalEBools(rec.EKeyBytes)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: unmarshal enrolled key: %w", err)
	}
	enrolledIV, err := fhe.UnmarshalEBools(rec.EIVBytes)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: unmarshal enrolled iv: %w", err)
	}
	probeKey, err := fhe.UnmarshalEBools(req.EKeyBytes)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: unmarshal probe key: %w", err)
	}
	probeIV, err := fhe.UnmarshalEBools(req.EIVBytes)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: unmarshal probe iv: %w", err)
	}

	enrolledCiphertext := protocol.UnpackBits(rec.CiphertextBytes, rec.CiphertextLen)
	enrolledPlain, err := transcipher.Transcipher(h.eng, enrolledCiphertext, enrolledKey, enrolledIV)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: transcipher enrolled: %w", err)
	}
	probePlain, err := transcipher.Transcipher(h.eng, req.Ciphertext, probeKey, probeIV)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: transcipher probe: %w", err)
	}

	threshold := matcher.Threshold(h.cfg.N, h.cfg.Theta)
	eMatch, eDistance, err := matcher.Match(h.eng, enrolledPlain, probePlain, threshold)
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: match: %w", err)
	}

	eMatchBytes, err := eMatch.MarshalBinary()
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("session: marshal match verdict: %w", err)
	}
	eDistanceBytes := make([][]byte, len(eDistance))
	for i, bit := range eDistance {
		b, err := bit.MarshalBinary()
		if err != nil {
			return protocol.VerifyResponse{}, fmt.Errorf("session: marshal distance bit %d: %w", i, err)
		}
		eDistanceBytes[i] = b
	}

	h.cfg.Logger.Info("verified user", "user_id", req.UserID)
	return protocol.VerifyResponse{
		Success:        true,
		EMatchBytes:    eMatchBytes,
		EDistanceBytes: eDistanceBytes,
		Timestamp:      now,
	}, nil
}
