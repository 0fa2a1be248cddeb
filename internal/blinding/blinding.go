// Package blinding derives the template store's on-disk lookup key from a
// user_id, so the durable store never holds the raw identifier in the
// clear. It blinds an Ed25519 point by a salted scalar, the same way a
// hidden service blinds its public key by a time-period-dependent scalar
// so its descriptors are unlinkable across rotation periods.
//
// Two things differ here. First, there is no public key to blind — user_id
// is an arbitrary string — so it is first mapped to a point by hashing it
// to a scalar and multiplying the Ed25519 basepoint, which always succeeds
// (unlike decoding an arbitrary 32 bytes as a point). Second, this store
// needs a *stable* pseudonym so re-registration finds the same record, not
// time-rotating unlinkability; the "period" here is pinned to a single
// per-deployment salt instead of a wall-clock-driven period number, so the
// blinding factor is deterministic across calls while still being opaque to
// anyone without the deployment's salt.
package blinding

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

const saltLen = 32

var blindString = []byte("fpfhe-derive-storage-key\x00")

// Salt is the per-deployment blinding secret. It is generated once and
// persisted (e.g. blind.key, 0600) alongside the template store.
type Salt [saltLen]byte

// hashToScalar derives an Ed25519 scalar from arbitrary input via
// SHA3-512/uniform reduction, applied here to user_id to get a deterministic
// starting point instead of decoding an arbitrary public key.
func hashToScalar(data []byte) (*edwards25519.Scalar, error) {
	h := sha3.Sum512(data)
	return new(edwards25519.Scalar).SetUniformBytes(h[:])
}

// StorageKey derives the hex-encoded, non-reversible on-disk lookup key for
// user_id under salt. The same (user_id, salt) pair always yields the same
// key; different salts (different deployments) yield unlinkable keys for
// the same user_id.
func StorageKey(salt Salt, userID string) (string, error) {
	idScalar, err := hashToScalar([]byte(userID))
	if err != nil {
		return "", fmt.Errorf("blinding: hash user_id to scalar: %w", err)
	}
	idPoint := new(edwards25519.Point).ScalarBaseMult(idScalar)

	blindFactor, err := blindingFactor(salt, idPoint)
	if err != nil {
		return "", fmt.Errorf("blinding: derive blinding factor: %w", err)
	}

	blinded := new(edwards25519.Point).ScalarMult(blindFactor, idPoint)
	return hex.EncodeToString(blinded.Bytes()), nil
}

// blindingFactor computes h = SHA3-256(BLIND_STRING | A | salt |
// INT_8(len(salt))) as a
// clamped scalar, the same construction as onion.BlindPublicKey's nonce-
// keyed hash, with the deployment salt standing in for the time-period
// nonce.
func blindingFactor(salt Salt, point *edwards25519.Point) (*edwards25519.Scalar, error) {
	h := sha3.New256()
	h.Write(blindString)
	h.Write(point.Bytes())
	h.Write(salt[:])
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(len(salt)))
	h.Write(counter[:])
	sum := h.Sum(nil)

	scalar, err := new(edwards25519.Scalar).SetBytesWithClamping(sum)
	if err != nil {
		return nil, err
	}
	return scalar, nil
}
