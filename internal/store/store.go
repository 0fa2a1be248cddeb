// Package store persists template records to a single on-disk file, keyed
// by a blinded storage key (package blinding) rather than the raw user_id,
// with each record's bytes sealed at rest (package seal). Loading follows a
// load-validate-else-empty pattern, saving is atomic via temp-file-then-
// rename, and a corrupt file is quarantined rather than crashing the daemon.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/riftlab/fpfhe/internal/blinding"
	"github.com/riftlab/fpfhe/internal/protocol"
	"github.com/riftlab/fpfhe/internal/seal"
)

const fileName = "templates.store"

// fileFormat is the on-disk JSON shape: blinded storage key -> sealed
// StoredRecord bytes.
type fileFormat struct {
	Records map[string][]byte `json:"records"`
}

// Store is a file-backed template store for one deployment.
type Store struct {
	Dir       string
	SealKey   seal.Key
	BlindSalt blinding.Salt
}

func (s *Store) path() string {
	return filepath.Join(s.Dir, fileName)
}

func (s *Store) load() (fileFormat, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return fileFormat{Records: map[string][]byte{}}, nil
		}
		return fileFormat{}, fmt.Errorf("store: read %s: %w", s.path(), err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fileFormat{}, fmt.Errorf("store: corrupt store file: %w", err)
	}
	if ff.Records == nil {
		ff.Records = map[string][]byte{}
	}
	return ff, nil
}

func (s *Store) save(ff fileFormat) error {
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("store: create store dir: %w", err)
	}
	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("store: marshal store file: %w", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("store: write temp store file: %w", err)
	}
	return os.Rename(tmp, s.path())
}

// quarantine renames the corrupt store file aside with a timestamp suffix
// and returns, leaving the caller to proceed with a fresh empty store.
func (s *Store) quarantine() {
	bad := fmt.Sprintf("%s.corrupt-%d", s.path(), time.Now().Unix())
	_ = os.Rename(s.path(), bad)
}

// Get looks up userID's template record. A missing or unreadable/corrupt
// store quarantines itself (if corrupt) and reports "not found" rather than
// propagating an error, so one bad file cannot take the daemon down.
func (s *Store) Get(userID string) (protocol.StoredRecord, bool, error) {
	key, err := blinding.StorageKey(s.BlindSalt, userID)
	if err != nil {
		return protocol.StoredRecord{}, false, fmt.Errorf("store: derive storage key: %w", err)
	}

	ff, err := s.load()
	if err != nil {
		s.quarantine()
		return protocol.StoredRecord{}, false, nil
	}

	sealedBytes, ok := ff.Records[key]
	if !ok {
		return protocol.StoredRecord{}, false, nil
	}

	plain, err := seal.Open(s.SealKey, sealedBytes)
	if err != nil {
		s.quarantine()
		return protocol.StoredRecord{}, false, nil
	}

	var rec protocol.StoredRecord
	if err := rec.UnmarshalBinary(plain); err != nil {
		s.quarantine()
		return protocol.StoredRecord{}, false, nil
	}
	return rec, true, nil
}

// Put writes (or overwrites) userID's template record.
func (s *Store) Put(userID string, rec protocol.StoredRecord) error {
	key, err := blinding.StorageKey(s.BlindSalt, userID)
	if err != nil {
		return fmt.Errorf("store: derive storage key: %w", err)
	}

	ff, err := s.load()
	if err != nil {
		s.quarantine()
		ff = fileFormat{Records: map[string][]byte{}}
	}

	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	sealedBytes, err := seal.Seal(s.SealKey, data)
	if err != nil {
		return fmt.Errorf("store: seal record: %w", err)
	}

	ff.Records[key] = sealedBytes
	return s.save(ff)
}
