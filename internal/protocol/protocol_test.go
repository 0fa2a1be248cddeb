package protocol

import (
	"bufio"
	"bytes"
	"testing"
	"time"
)

func TestPackUnpackBits(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, true, true}
	packed := PackBits(bits)
	got := UnpackBits(packed, len(bits))
	for i := range bits {
		if bits[i] != got[i] {
			t.Fatalf("bit %d: got %v want %v", i, got[i], bits[i])
		}
	}
}

func TestRegisterRequestRoundTrip(t *testing.T) {
	req := RegisterRequest{
		UserID:          "alice",
		Ciphertext:      []bool{true, false, true, true, false, false, true, false, true, true, false},
		EKeyBytes:       []byte{1, 2, 3},
		EIVBytes:        []byte{4, 5, 6},
		EServerKeyBytes: []byte{7, 8, 9, 10},
	}
	data, err := req.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got RegisterRequest
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.UserID != req.UserID {
		t.Fatalf("user_id: got %q want %q", got.UserID, req.UserID)
	}
	if len(got.Ciphertext) != len(req.Ciphertext) {
		t.Fatalf("ciphertext length: got %d want %d", len(got.Ciphertext), len(req.Ciphertext))
	}
	for i := range req.Ciphertext {
		if got.Ciphertext[i] != req.Ciphertext[i] {
			t.Fatalf("ciphertext bit %d mismatch", i)
		}
	}
	if !bytes.Equal(got.EServerKeyBytes, req.EServerKeyBytes) {
		t.Fatal("e_server_key mismatch")
	}
}

func TestVerifyResponseRoundTrip(t *testing.T) {
	resp := VerifyResponse{
		Success:        true,
		EMatchBytes:    []byte{0xAB},
		EDistanceBytes: [][]byte{{1}, {2}, {3}},
		Timestamp:      time.Unix(1700000000, 0).UTC(),
	}
	data, err := resp.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got VerifyResponse
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Success != resp.Success || len(got.EDistanceBytes) != 3 {
		t.Fatalf("unexpected decode: %+v", got)
	}
	if !got.Timestamp.Equal(resp.Timestamp) {
		t.Fatalf("timestamp: got %v want %v", got.Timestamp, resp.Timestamp)
	}
}

func TestFrameRoundTripAndTagging(t *testing.T) {
	var buf bytes.Buffer
	key := []byte("frame-key")
	w := NewWriter(&buf, key)
	payload := []byte("hello frame")
	if err := w.WriteFrame(Frame{Type: MsgVerifyRequest, Payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(bufio.NewReader(&buf), key)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != MsgVerifyRequest || !bytes.Equal(got.Payload, payload) {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestFrameRejectsTamperedTag(t *testing.T) {
	var buf bytes.Buffer
	key := []byte("frame-key")
	w := NewWriter(&buf, key)
	if err := w.WriteFrame(Frame{Type: MsgVerifyRequest, Payload: []byte("data")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a tag byte

	r := NewReader(bufio.NewReader(bytes.NewReader(raw)), key)
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("expected tag verification failure")
	}
}
