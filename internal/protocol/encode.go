package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

func putString(buf *bytes.Buffer, s string) {
	putBytes(buf, []byte(s))
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func putTime(buf *bytes.Buffer, t time.Time) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	buf.Write(b[:])
}

func getString(r *bytes.Reader) (string, error) {
	b, err := getBytes(r)
	return string(b), err
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxPayloadLen {
		return nil, fmt.Errorf("protocol: field too large: %d bytes", n)
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func getTime(r *bytes.Reader) (time.Time, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b[:]))).UTC(), nil
}

// MarshalBinary encodes a RegisterRequest as a frame payload.
func (m RegisterRequest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	putString(&buf, m.UserID)
	putBytes(&buf, PackBits(m.Ciphertext))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m.Ciphertext)))
	buf.Write(n[:])
	putBytes(&buf, m.EKeyBytes)
	putBytes(&buf, m.EIVBytes)
	putBytes(&buf, m.ETrueBytes)
	putBytes(&buf, m.EServerKeyBytes)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a RegisterRequest previously produced by
// MarshalBinary. A malformed payload is a deserialization failure, not a
// panic.
func (m *RegisterRequest) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.UserID, err = getString(r); err != nil {
		return fmt.Errorf("protocol: register request user_id: %w", err)
	}
	packed, err := getBytes(r)
	if err != nil {
		return fmt.Errorf("protocol: register request ciphertext: %w", err)
	}
	var nbuf [4]byte
	if _, err := io.ReadFull(r, nbuf[:]); err != nil {
		return fmt.Errorf("protocol: register request ciphertext length: %w", err)
	}
	n := int(binary.BigEndian.Uint32(nbuf[:]))
	if n < 0 || (n+7)/8 != len(packed) {
		return fmt.Errorf("protocol: register request ciphertext length mismatch")
	}
	m.Ciphertext = UnpackBits(packed, n)
	if m.EKeyBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: register request e_key: %w", err)
	}
	if m.EIVBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: register request e_iv: %w", err)
	}
	if m.ETrueBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: register request e_true: %w", err)
	}
	if m.EServerKeyBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: register request e_server_key: %w", err)
	}
	return nil
}

// MarshalBinary encodes a RegisterResponse as a frame payload.
func (m RegisterResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if m.Success {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putString(&buf, m.Message)
	putString(&buf, m.UserID)
	putTime(&buf, m.Timestamp)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a RegisterResponse.
func (m *RegisterResponse) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	success, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("protocol: register response success: %w", err)
	}
	m.Success = success == 1
	if m.Message, err = getString(r); err != nil {
		return fmt.Errorf("protocol: register response message: %w", err)
	}
	if m.UserID, err = getString(r); err != nil {
		return fmt.Errorf("protocol: register response user_id: %w", err)
	}
	if m.Timestamp, err = getTime(r); err != nil {
		return fmt.Errorf("protocol: register response timestamp: %w", err)
	}
	return nil
}

// MarshalBinary encodes a VerifyRequest as a frame payload.
func (m VerifyRequest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	putString(&buf, m.UserID)
	putBytes(&buf, PackBits(m.Ciphertext))
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m.Ciphertext)))
	buf.Write(n[:])
	putBytes(&buf, m.EKeyBytes)
	putBytes(&buf, m.EIVBytes)
	putBytes(&buf, m.ETrueBytes)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a VerifyRequest.
func (m *VerifyRequest) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.UserID, err = getString(r); err != nil {
		return fmt.Errorf("protocol: verify request user_id: %w", err)
	}
	packed, err := getBytes(r)
	if err != nil {
		return fmt.Errorf("protocol: verify request ciphertext: %w", err)
	}
	var nbuf [4]byte
	if _, err := io.ReadFull(r, nbuf[:]); err != nil {
		return fmt.Errorf("protocol: verify request ciphertext length: %w", err)
	}
	n := int(binary.BigEndian.Uint32(nbuf[:]))
	if n < 0 || (n+7)/8 != len(packed) {
		return fmt.Errorf("protocol: verify request ciphertext length mismatch")
	}
	m.Ciphertext = UnpackBits(packed, n)
	if m.EKeyBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: verify request e_key: %w", err)
	}
	if m.EIVBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: verify request e_iv: %w", err)
	}
	if m.ETrueBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: verify request e_true: %w", err)
	}
	return nil
}

// MarshalBinary encodes a VerifyResponse as a frame payload.
func (m VerifyResponse) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if m.Success {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putBytes(&buf, m.EMatchBytes)
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], uint32(len(m.EDistanceBytes)))
	buf.Write(w[:])
	for _, b := range m.EDistanceBytes {
		putBytes(&buf, b)
	}
	putTime(&buf, m.Timestamp)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a VerifyResponse.
func (m *VerifyResponse) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	success, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("protocol: verify response success: %w", err)
	}
	m.Success = success == 1
	if m.EMatchBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: verify response e_match: %w", err)
	}
	var wbuf [4]byte
	if _, err := io.ReadFull(r, wbuf[:]); err != nil {
		return fmt.Errorf("protocol: verify response distance width: %w", err)
	}
	w := int(binary.BigEndian.Uint32(wbuf[:]))
	if w < 0 || w > 4096 {
		return fmt.Errorf("protocol: verify response distance width out of range: %d", w)
	}
	m.EDistanceBytes = make([][]byte, w)
	for i := range m.EDistanceBytes {
		if m.EDistanceBytes[i], err = getBytes(r); err != nil {
			return fmt.Errorf("protocol: verify response distance bit %d: %w", i, err)
		}
	}
	if m.Timestamp, err = getTime(r); err != nil {
		return fmt.Errorf("protocol: verify response timestamp: %w", err)
	}
	return nil
}

// MarshalBinary encodes a StoredRecord for the template store.
func (m StoredRecord) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	putString(&buf, m.UserID)
	putBytes(&buf, m.CiphertextBytes)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(m.CiphertextLen))
	buf.Write(n[:])
	putBytes(&buf, m.EKeyBytes)
	putBytes(&buf, m.EIVBytes)
	putBytes(&buf, m.EvalKeyBytes)
	putTime(&buf, m.CreatedAt)
	putTime(&buf, m.UpdatedAt)
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a StoredRecord.
func (m *StoredRecord) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if m.UserID, err = getString(r); err != nil {
		return fmt.Errorf("protocol: stored record user_id: %w", err)
	}
	if m.CiphertextBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: stored record ciphertext: %w", err)
	}
	var nbuf [4]byte
	if _, err := io.ReadFull(r, nbuf[:]); err != nil {
		return fmt.Errorf("protocol: stored record ciphertext length: %w", err)
	}
	m.CiphertextLen = int(binary.BigEndian.Uint32(nbuf[:]))
	if m.EKeyBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: stored record e_key: %w", err)
	}
	if m.EIVBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: stored record e_iv: %w", err)
	}
	if m.EvalKeyBytes, err = getBytes(r); err != nil {
		return fmt.Errorf("protocol: stored record eval_key: %w", err)
	}
	if m.CreatedAt, err = getTime(r); err != nil {
		return fmt.Errorf("protocol: stored record created_at: %w", err)
	}
	if m.UpdatedAt, err = getTime(r); err != nil {
		return fmt.Errorf("protocol: stored record updated_at: %w", err)
	}
	return nil
}
