// Package fhe binds the boolean-ciphertext primitives the rest of this
// module needs — EBool, homomorphic XOR/AND/NOT, client-key encrypt/decrypt,
// and the process-wide evaluation key — to github.com/luxfi/tfhe. Every
// other package in this module talks to EBool/Engine, never to tfhe types
// directly, so the binding can move to a different FHE library without
// touching Trivium, the transcipher, or the matcher.
package fhe

import (
	"fmt"
	"sync"

	tfhe "github.com/luxfi/tfhe"
)

// ParamLiteral fixes the FHE parameter set used throughout the service. All
// clients and the server must agree on it; it is not negotiated per session.
const ParamLiteral = tfhe.PN10QP27

// Params is the public parameter set derived from ParamLiteral.
type Params struct{ inner tfhe.Parameters }

// NewParams constructs the fixed parameter set.
func NewParams() (Params, error) {
	p, err := tfhe.NewParametersFromLiteral(ParamLiteral)
	if err != nil {
		return Params{}, fmt.Errorf("fhe: build parameters: %w", err)
	}
	return Params{inner: p}, nil
}

// ClientKey is the secret key. It must never leave the client.
type ClientKey struct{ sk *tfhe.SecretKey }

// MarshalBinary serializes the client key for local persistence between
// CLI invocations. Callers must write the result with owner-only
// permissions and must never transmit it.
func (c *ClientKey) MarshalBinary() ([]byte, error) {
	if c.sk == nil {
		return nil, fmt.Errorf("fhe: nil client key")
	}
	return c.sk.MarshalBinary()
}

// UnmarshalBinary deserializes a client key previously produced by
// MarshalBinary.
func (c *ClientKey) UnmarshalBinary(data []byte) error {
	sk := new(tfhe.SecretKey)
	if err := sk.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("fhe: unmarshal client key: %w", err)
	}
	c.sk = sk
	return nil
}

// EvaluationKey is the public bootstrap/server key. It carries no secret
// material and may be shared with, or persisted by, the server.
type EvaluationKey struct{ bsk *tfhe.BootstrapKey }

// MarshalBinary serializes the evaluation key for the wire or for storage.
func (e *EvaluationKey) MarshalBinary() ([]byte, error) {
	if e.bsk == nil {
		return nil, fmt.Errorf("fhe: nil evaluation key")
	}
	return e.bsk.MarshalBinary()
}

// UnmarshalBinary deserializes an evaluation key previously produced by
// MarshalBinary. A malformed blob is a deserialization failure (boundary
// error, not a crash) and is returned to the caller to discard the request.
func (e *EvaluationKey) UnmarshalBinary(data []byte) error {
	bsk := new(tfhe.BootstrapKey)
	if err := bsk.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("fhe: unmarshal evaluation key: %w", err)
	}
	e.bsk = bsk
	return nil
}

// KeyGenerator produces client and evaluation keys under one parameter set.
type KeyGenerator struct {
	kg     *tfhe.KeyGenerator
	params Params
}

// NewKeyGenerator builds a KeyGenerator for params.
func NewKeyGenerator(params Params) *KeyGenerator {
	return &KeyGenerator{kg: tfhe.NewKeyGenerator(params.inner), params: params}
}

// GenClientKey generates a fresh secret key. Called once per client, never
// on the server.
func (k *KeyGenerator) GenClientKey() *ClientKey {
	return &ClientKey{sk: k.kg.GenSecretKey()}
}

// GenEvaluationKey derives the public evaluation key bound to ck. This is
// the key shipped to the server as E_server_key_bytes on first registration.
func (k *KeyGenerator) GenEvaluationKey(ck *ClientKey) *EvaluationKey {
	return &EvaluationKey{bsk: k.kg.GenBootstrapKey(ck.sk)}
}

// EBool is an opaque encrypted boolean, bound to whichever ClientKey
// produced it. Only gates evaluated under the matching EvaluationKey, or
// decryption under the matching ClientKey, can consume it meaningfully.
type EBool struct{ ct *tfhe.Ciphertext }

// MarshalBinary serializes ct for the wire.
func (e EBool) MarshalBinary() ([]byte, error) {
	if e.ct == nil {
		return nil, fmt.Errorf("fhe: nil ciphertext")
	}
	return e.ct.MarshalBinary()
}

// UnmarshalBinary deserializes a ciphertext previously produced by
// MarshalBinary.
func (e *EBool) UnmarshalBinary(data []byte) error {
	ct := new(tfhe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("fhe: unmarshal ciphertext: %w", err)
	}
	e.ct = ct
	return nil
}

// Encryptor encrypts plaintext booleans under a ClientKey.
type Encryptor struct{ enc *tfhe.Encryptor }

// NewEncryptor builds an Encryptor bound to ck.
func NewEncryptor(params Params, ck *ClientKey) *Encryptor {
	return &Encryptor{enc: tfhe.NewEncryptor(params.inner, ck.sk)}
}

// Encrypt produces E(b).
func (e *Encryptor) Encrypt(b bool) EBool {
	return EBool{ct: e.enc.Encrypt(b)}
}

// EncryptBits encrypts a clear bitstring bit by bit.
func (e *Encryptor) EncryptBits(bits []bool) []EBool {
	out := make([]EBool, len(bits))
	for i, b := range bits {
		out[i] = e.Encrypt(b)
	}
	return out
}

// Decryptor decrypts ciphertexts under a ClientKey. It never runs on the
// server — only the client holds a ClientKey.
type Decryptor struct{ dec *tfhe.Decryptor }

// NewDecryptor builds a Decryptor bound to ck.
func NewDecryptor(params Params, ck *ClientKey) *Decryptor {
	return &Decryptor{dec: tfhe.NewDecryptor(params.inner, ck.sk)}
}

// Decrypt recovers the plaintext boolean behind e.
func (d *Decryptor) Decrypt(e EBool) bool {
	return d.dec.Decrypt(e.ct)
}

// DecryptBits decrypts an encrypted bitstring, LSB-first or MSB-first
// according to however the caller ordered es.
func (d *Decryptor) DecryptBits(es []EBool) []bool {
	out := make([]bool, len(es))
	for i, e := range es {
		out[i] = d.Decrypt(e)
	}
	return out
}

// slotMu is the process-wide evaluation-key slot described in the design
// notes: exactly one Engine may be installed at a time, so two sessions
// sharing a worker cannot interleave gates evaluated under different keys.
var slotMu sync.Mutex

// Engine executes homomorphic gates under one installed evaluation key. The
// server holds no client key — the only constants it can synthesize are
// E_false, derived as E_true XOR E_true, and copies of the client-supplied
// E_true. Engine memoizes both so no gate call re-synthesizes E_false.
type Engine struct {
	eval   *tfhe.Evaluator
	eTrue  EBool
	eFalse EBool
}

// Acquire installs key as the process-wide evaluation key and returns an
// Engine plus a release function. It blocks if another Engine is currently
// acquired, serializing sessions that share this process's single slot
// (see package session for per-worker scoping). The caller must call
// release exactly once, typically via defer, before the next session's
// Acquire can proceed.
func Acquire(params Params, key *EvaluationKey, eTrue EBool) (*Engine, func(), error) {
	slotMu.Lock()
	if key.bsk == nil {
		slotMu.Unlock()
		return nil, nil, fmt.Errorf("fhe: nil evaluation key")
	}
	eval := tfhe.NewEvaluator(params.inner, key.bsk)
	eFalseCt, err := eval.XOR(eTrue.ct, eTrue.ct)
	if err != nil {
		slotMu.Unlock()
		return nil, nil, fmt.Errorf("fhe: synthesize false constant: %w", err)
	}
	eng := &Engine{eval: eval, eTrue: eTrue, eFalse: EBool{ct: eFalseCt}}
	return eng, func() { slotMu.Unlock() }, nil
}

// True returns the session's E(true), as supplied by the client.
func (e *Engine) True() EBool { return e.eTrue }

// False returns the session's E(false), synthesized once at Acquire time.
func (e *Engine) False() EBool { return e.eFalse }

// Xor evaluates homomorphic XOR.
func (e *Engine) Xor(a, b EBool) (EBool, error) {
	ct, err := e.eval.XOR(a.ct, b.ct)
	if err != nil {
		return EBool{}, fmt.Errorf("fhe: XOR: %w", err)
	}
	return EBool{ct: ct}, nil
}

// And evaluates homomorphic AND.
func (e *Engine) And(a, b EBool) (EBool, error) {
	ct, err := e.eval.AND(a.ct, b.ct)
	if err != nil {
		return EBool{}, fmt.Errorf("fhe: AND: %w", err)
	}
	return EBool{ct: ct}, nil
}

// Not evaluates homomorphic NOT as XOR with the session's E(true) — the
// server has no other way to flip a ciphertext it cannot decrypt.
func (e *Engine) Not(a EBool) (EBool, error) {
	return e.Xor(a, e.eTrue)
}

// Or evaluates homomorphic OR as a XOR b XOR (a AND b), the standard
// reduction to XOR/AND for a gate set that has no native OR.
func (e *Engine) Or(a, b EBool) (EBool, error) {
	x, err := e.Xor(a, b)
	if err != nil {
		return EBool{}, err
	}
	c, err := e.And(a, b)
	if err != nil {
		return EBool{}, err
	}
	return e.Xor(x, c)
}

// Clone returns an independent copy of a, for when the same ciphertext feeds
// two downstream gates and the evaluator requires distinct handles.
func (e *Engine) Clone(a EBool) EBool {
	return EBool{ct: e.eval.Copy(a.ct)}
}

// MarshalEBools serializes a slice of EBool as a length-prefixed sequence,
// the wire/storage encoding of E_key_bytes and E_iv_bytes. E_true_bytes is
// a single EBool and uses EBool.MarshalBinary instead.
func MarshalEBools(es []EBool) ([]byte, error) {
	out := make([]byte, 0)
	var countBuf [4]byte
	putUint32(countBuf[:], uint32(len(es)))
	out = append(out, countBuf[:]...)
	for i, e := range es {
		b, err := e.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("fhe: marshal bit %d: %w", i, err)
		}
		var lenBuf [4]byte
		putUint32(lenBuf[:], uint32(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalEBools is the inverse of MarshalEBools.
func UnmarshalEBools(data []byte) ([]EBool, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("fhe: truncated EBool sequence")
	}
	count := getUint32(data[:4])
	data = data[4:]
	out := make([]EBool, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("fhe: truncated EBool sequence at element %d", i)
		}
		n := getUint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("fhe: truncated EBool payload at element %d", i)
		}
		var e EBool
		if err := e.UnmarshalBinary(data[:n]); err != nil {
			return nil, fmt.Errorf("fhe: unmarshal bit %d: %w", i, err)
		}
		out[i] = e
		data = data[n:]
	}
	return out, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
