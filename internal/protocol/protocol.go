// Package protocol defines the Register/Verify request/response messages of
// the external interface and the on-disk template record encoding, plus a
// length-prefixed binary framing for carrying them over a transport.
//
// Every message is variable-length, so there is only one frame shape:
// a type byte, a big-endian length prefix, and the payload. Each frame
// also carries a keyed integrity tag
// derived from the transport handshake (package handshake) — this protects
// the framing only; it is not a substitute for the FHE/Trivium layers,
// which are the only things that protect the biometric payload itself.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/sha3"
)

// Message type tags.
const (
	MsgRegisterRequest  uint8 = 1
	MsgRegisterResponse uint8 = 2
	MsgVerifyRequest    uint8 = 3
	MsgVerifyResponse   uint8 = 4
)

// MaxPayloadLen bounds a single frame's payload, a safety cap against a
// hostile or corrupt length prefix.
const MaxPayloadLen = 16 << 20

// PackBits packs a clear bitstring 8 bits per byte, LSB-first within each
// byte, the on-disk/wire format the external interface specifies for
// ciphertext streams.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits is the inverse of PackBits, given the original bit count n.
func UnpackBits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// RegisterRequest is the client->server register message. ETrueBytes lets
// the server's session.Open synthesize E_false for this request the same
// way it does for Verify, even though Register runs no gates of its own.
// EServerKeyBytes is populated only on first registration; the server
// persists it for all later sessions and the client omits it thereafter.
type RegisterRequest struct {
	UserID          string
	Ciphertext      []bool
	EKeyBytes       []byte
	EIVBytes        []byte
	ETrueBytes      []byte
	EServerKeyBytes []byte
}

// RegisterResponse is the server->client register acknowledgement.
type RegisterResponse struct {
	Success   bool
	Message   string
	UserID    string
	Timestamp time.Time
}

// VerifyRequest is the client->server verify message. The probe carries its
// own freshly generated Trivium key/IV under FHE, distinct from the
// enrolled session's.
type VerifyRequest struct {
	UserID     string
	Ciphertext []bool
	EKeyBytes  []byte
	EIVBytes   []byte
	ETrueBytes []byte
}

// VerifyResponse is the server->client verify result. EDistanceBytes holds
// W serialized EBools, LSB-first.
type VerifyResponse struct {
	Success        bool
	EMatchBytes    []byte
	EDistanceBytes [][]byte
	Timestamp      time.Time
}

// StoredRecord is the durable, server-side template record. CiphertextBytes
// is packed via PackBits; CiphertextLen records the unpacked bit count so
// UnpackBits can reconstruct the exact bitstring. EvalKeyBytes is populated
// from the register request's EServerKeyBytes on first registration and
// reused for every later verify of the same user_id.
type StoredRecord struct {
	UserID          string
	CiphertextBytes []byte
	CiphertextLen   int
	EKeyBytes       []byte
	EIVBytes        []byte
	EvalKeyBytes    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Frame is one length-prefixed, tagged protocol message.
type Frame struct {
	Type    uint8
	Payload []byte
}

func frameTag(frameKey []byte, typ uint8, payload []byte) []byte {
	h := sha3.New256()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(frameKey)))
	h.Write(lenBuf[:])
	h.Write(frameKey)
	h.Write([]byte{typ})
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	h.Write(lenBuf[:])
	h.Write(payload)
	return h.Sum(nil)
}

// Writer writes tagged, length-prefixed protocol frames.
type Writer struct {
	w        io.Writer
	frameKey []byte
}

// NewWriter builds a Writer that tags every frame with frameKey (the
// session frame key derived by package handshake).
func NewWriter(w io.Writer, frameKey []byte) *Writer {
	return &Writer{w: w, frameKey: frameKey}
}

// WriteFrame writes TYPE(1) || LEN(4) || PAYLOAD(LEN) || TAG(32).
func (w *Writer) WriteFrame(f Frame) error {
	if len(f.Payload) > MaxPayloadLen {
		return fmt.Errorf("protocol: payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, 0, 5+len(f.Payload)+32)
	buf = append(buf, f.Type)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, f.Payload...)
	buf = append(buf, frameTag(w.frameKey, f.Type, f.Payload)...)
	_, err := w.w.Write(buf)
	return err
}

// Reader reads tagged, length-prefixed protocol frames.
type Reader struct {
	r        *bufio.Reader
	frameKey []byte
}

// NewReader builds a Reader expecting frames tagged with frameKey.
func NewReader(r *bufio.Reader, frameKey []byte) *Reader {
	return &Reader{r: r, frameKey: frameKey}
}

// ReadFrame reads one frame and verifies its integrity tag. A tampered or
// mistagged frame is a deserialization failure: the caller should discard
// the request, not crash the accept loop.
func (r *Reader) ReadFrame() (Frame, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return Frame{}, fmt.Errorf("protocol: read frame header: %w", err)
	}
	typ := hdr[0]
	plen := binary.BigEndian.Uint32(hdr[1:5])
	if plen > MaxPayloadLen {
		return Frame{}, fmt.Errorf("protocol: frame payload too large: %d bytes", plen)
	}
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Frame{}, fmt.Errorf("protocol: read frame payload: %w", err)
		}
	}
	tag := make([]byte, 32)
	if _, err := io.ReadFull(r.r, tag); err != nil {
		return Frame{}, fmt.Errorf("protocol: read frame tag: %w", err)
	}
	want := frameTag(r.frameKey, typ, payload)
	if !constantTimeEqual(tag, want) {
		return Frame{}, fmt.Errorf("protocol: frame integrity tag mismatch")
	}
	return Frame{Type: typ, Payload: payload}, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
