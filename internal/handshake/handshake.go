// Package handshake establishes an authenticated frame key between the CLI
// client and the server daemon before any Register/Verify message (package
// protocol) crosses the wire. It is a one-round ntor-style key agreement,
// curve25519 ephemeral/static Diffie-Hellman plus HKDF-SHA256, deriving a
// single symmetric frame key.
//
// This frame key authenticates protocol framing only. It is never used to
// protect the biometric payload itself — that protection comes entirely
// from Trivium and FHE, upstream of the transport.
package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protoID = "fpfhe-curve25519-sha256-1"
	tMac    = protoID + ":mac"
	mExpand = protoID + ":expand"

	frameKeyLen = 32
)

// ServerIdentity is the server daemon's long-lived curve25519 keypair,
// analogous to a relay's ntor onion key pair.
type ServerIdentity struct {
	Public  [32]byte
	private [32]byte
}

// NewServerIdentity generates a fresh server identity keypair.
func NewServerIdentity() (*ServerIdentity, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate server identity: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive server public key: %w", err)
	}
	id := &ServerIdentity{private: priv}
	copy(id.Public[:], pub)
	return id, nil
}

// ServerIdentityFromPrivate rebuilds a ServerIdentity from a persisted
// private key, so the daemon's identity survives a restart instead of
// invalidating every client's pinned server public key.
func ServerIdentityFromPrivate(private [32]byte) (*ServerIdentity, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: derive server public key: %w", err)
	}
	id := &ServerIdentity{private: private}
	copy(id.Public[:], pub)
	return id, nil
}

// PrivateBytes returns the identity's private key for persistence. Callers
// must write it with owner-only permissions.
func (id *ServerIdentity) PrivateBytes() []byte {
	out := make([]byte, 32)
	copy(out, id.private[:])
	return out
}

// ClientHandshake holds the client's ephemeral state for one handshake.
type ClientHandshake struct {
	serverPublic [32]byte
	x            [32]byte
	X            [32]byte
}

// NewClientHandshake creates a fresh ephemeral keypair bound to the known
// server public key.
func NewClientHandshake(serverPublic [32]byte) (*ClientHandshake, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: compute ephemeral public key: %w", err)
	}
	ch := &ClientHandshake{serverPublic: serverPublic, x: x}
	copy(ch.X[:], X)
	return ch, nil
}

// ClientHello is what the client sends to start the handshake.
type ClientHello struct {
	X [32]byte
}

// Hello returns the message the client sends to the server.
func (ch *ClientHandshake) Hello() ClientHello {
	return ClientHello{X: ch.X}
}

// ServerReply is what the server sends back.
type ServerReply struct {
	Y    [32]byte
	Auth [32]byte
}

// Respond completes the server side of the handshake: it derives the
// shared secret, the frame key, and an AUTH tag the client can verify
// proves the reply came from the holder of ServerIdentity's private key.
func (id *ServerIdentity) Respond(hello ClientHello) (ServerReply, []byte, error) {
	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		return ServerReply{}, nil, fmt.Errorf("handshake: generate server ephemeral: %w", err)
	}
	Y, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return ServerReply{}, nil, fmt.Errorf("handshake: compute server ephemeral public: %w", err)
	}

	shared, err := curve25519.X25519(y[:], hello.X[:])
	if err != nil {
		return ServerReply{}, nil, fmt.Errorf("handshake: x*X: %w", err)
	}

	secretInput := buildSecretInput(shared, hello.X, Y32(Y), id.Public)
	auth := ntorHMAC(secretInput, tMac)
	frameKey, err := deriveFrameKey(secretInput)
	if err != nil {
		return ServerReply{}, nil, err
	}

	var reply ServerReply
	copy(reply.Y[:], Y)
	copy(reply.Auth[:], auth)
	return reply, frameKey, nil
}

// Finish completes the client side: it recomputes the shared secret from
// the server's ephemeral public key, verifies AUTH, and derives the same
// frame key the server derived.
func (ch *ClientHandshake) Finish(reply ServerReply) ([]byte, error) {
	shared, err := curve25519.X25519(ch.x[:], reply.Y[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: x*Y: %w", err)
	}

	secretInput := buildSecretInput(shared, ch.X, reply.Y, ch.serverPublic)
	expectedAuth := ntorHMAC(secretInput, tMac)
	if !hmac.Equal(expectedAuth, reply.Auth[:]) {
		return nil, fmt.Errorf("handshake: AUTH verification failed")
	}
	return deriveFrameKey(secretInput)
}

func buildSecretInput(shared []byte, X, Y, serverPublic [32]byte) []byte {
	in := make([]byte, 0, len(shared)+32+32+32+len(protoID))
	in = append(in, shared...)
	in = append(in, X[:]...)
	in = append(in, Y[:]...)
	in = append(in, serverPublic[:]...)
	in = append(in, []byte(protoID)...)
	return in
}

func deriveFrameKey(secretInput []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secretInput, []byte(tMac), []byte(mExpand))
	key := make([]byte, frameKeyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("handshake: HKDF key derivation: %w", err)
	}
	return key, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

// Y32 is a tiny helper so Respond can pass a []byte through the same
// [32]byte-typed secretInput builder the client side uses.
func Y32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// Bundle container types below carry the one-time E_server_key_bytes
// payload on first registration: a self-describing type tag plus length,
// so the receiver can reject a malformed evaluation-key bundle at the
// boundary before attempting to deserialize it into an FHE key.

const bundleTypeEvaluationKey uint8 = 1

// WrapEvaluationKeyBundle frames a serialized evaluation key as
// TYPE(1) || LEN(4) || PAYLOAD(LEN).
func WrapEvaluationKeyBundle(serialized []byte) []byte {
	out := make([]byte, 0, 5+len(serialized))
	out = append(out, bundleTypeEvaluationKey)
	var lenBuf [4]byte
	for i := 0; i < 4; i++ {
		lenBuf[i] = byte(len(serialized) >> uint(8*(3-i)))
	}
	out = append(out, lenBuf[:]...)
	out = append(out, serialized...)
	return out
}

// UnwrapEvaluationKeyBundle validates and strips the bundle framing,
// rejecting a malformed bundle before the caller ever attempts
// fhe.EvaluationKey.UnmarshalBinary.
func UnwrapEvaluationKeyBundle(bundle []byte) ([]byte, error) {
	if len(bundle) < 5 {
		return nil, fmt.Errorf("handshake: evaluation key bundle too short")
	}
	if bundle[0] != bundleTypeEvaluationKey {
		return nil, fmt.Errorf("handshake: unexpected bundle type %d", bundle[0])
	}
	n := 0
	for i := 0; i < 4; i++ {
		n = n<<8 | int(bundle[1+i])
	}
	if n < 0 || 5+n != len(bundle) {
		return nil, fmt.Errorf("handshake: evaluation key bundle length mismatch")
	}
	return bundle[5:], nil
}
