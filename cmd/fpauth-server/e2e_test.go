package main

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/riftlab/fpfhe/internal/feature"
	"github.com/riftlab/fpfhe/internal/fhe"
	"github.com/riftlab/fpfhe/internal/handshake"
	"github.com/riftlab/fpfhe/internal/protocol"
	"github.com/riftlab/fpfhe/internal/seal"
	"github.com/riftlab/fpfhe/internal/session"
	"github.com/riftlab/fpfhe/internal/store"
	"github.com/riftlab/fpfhe/internal/trivium"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer spins up one listener backed by handleConn, the same
// function the daemon's accept loop calls, and returns its address plus
// the server identity clients need to pin.
func startTestServer(t *testing.T) (addr string, identity *handshake.ServerIdentity, cfg session.Config) {
	t.Helper()

	identity, err := handshake.NewServerIdentity()
	if err != nil {
		t.Fatalf("new server identity: %v", err)
	}
	sealKey, err := seal.NewKey()
	if err != nil {
		t.Fatalf("new seal key: %v", err)
	}
	params, err := fhe.NewParams()
	if err != nil {
		t.Fatalf("new params: %v", err)
	}

	cfg = session.Config{
		Params: params,
		N:      256,
		Theta:  0.75,
		Store:  &store.Store{Dir: t.TempDir(), SealKey: sealKey},
		Logger: testLogger(),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, identity, cfg, testLogger())
		}
	}()

	return ln.Addr().String(), identity, cfg
}

// e2eClient drives one handshake-then-request round trip against addr,
// mirroring cmd/fpauth's dialAndHandshake/sendRegister/sendVerify without
// importing that package (two main packages cannot import each other).
type e2eClient struct {
	addr         string
	serverPublic [32]byte
	params       fhe.Params
	ck           *fhe.ClientKey
	enc          *fhe.Encryptor
	dec          *fhe.Decryptor
	evalKeyBytes []byte
}

func newE2EClient(t *testing.T, addr string, serverPublic [32]byte, params fhe.Params) *e2eClient {
	t.Helper()
	kg := fhe.NewKeyGenerator(params)
	ck := kg.GenClientKey()
	ek := kg.GenEvaluationKey(ck)
	ekBytes, err := ek.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal evaluation key: %v", err)
	}
	return &e2eClient{
		addr:         addr,
		serverPublic: serverPublic,
		params:       params,
		ck:           ck,
		enc:          fhe.NewEncryptor(params, ck),
		dec:          fhe.NewDecryptor(params, ck),
		evalKeyBytes: handshake.WrapEvaluationKeyBundle(ekBytes),
	}
}

func (c *e2eClient) dial(t *testing.T) (net.Conn, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch, err := handshake.NewClientHandshake(c.serverPublic)
	if err != nil {
		t.Fatalf("new client handshake: %v", err)
	}
	hello := ch.Hello()
	if _, err := conn.Write(hello.X[:]); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var reply handshake.ServerReply
	if _, err := io.ReadFull(conn, reply.Y[:]); err != nil {
		t.Fatalf("read reply Y: %v", err)
	}
	if _, err := io.ReadFull(conn, reply.Auth[:]); err != nil {
		t.Fatalf("read reply auth: %v", err)
	}
	frameKey, err := ch.Finish(reply)
	if err != nil {
		t.Fatalf("finish handshake: %v", err)
	}
	return conn, frameKey
}

func (c *e2eClient) encryptProbe(t *testing.T, feat []bool) protocol.VerifyRequest {
	t.Helper()
	key, iv := fixedKeyIV(0x7A, 0x2C)
	ciphertext, err := trivium.Encrypt(key, iv, feat)
	if err != nil {
		t.Fatalf("trivium encrypt: %v", err)
	}
	eKeyBytes, err := fhe.MarshalEBools(c.enc.EncryptBits(key))
	if err != nil {
		t.Fatalf("marshal e_key: %v", err)
	}
	eIVBytes, err := fhe.MarshalEBools(c.enc.EncryptBits(iv))
	if err != nil {
		t.Fatalf("marshal e_iv: %v", err)
	}
	eTrueBytes, err := c.enc.Encrypt(true).MarshalBinary()
	if err != nil {
		t.Fatalf("marshal e_true: %v", err)
	}
	return protocol.VerifyRequest{
		Ciphertext: ciphertext,
		EKeyBytes:  eKeyBytes,
		EIVBytes:   eIVBytes,
		ETrueBytes: eTrueBytes,
	}
}

func fixedKeyIV(keySeed, ivSeed byte) ([]bool, []bool) {
	key := make([]bool, trivium.KeyBits)
	iv := make([]bool, trivium.IVBits)
	s := keySeed
	for i := range key {
		s = s*31 + 7
		key[i] = s%2 == 0
	}
	s = ivSeed
	for i := range iv {
		s = s*31 + 7
		iv[i] = s%2 == 0
	}
	return key, iv
}

func TestEndToEndRegisterThenVerify(t *testing.T) {
	addr, identity, cfg := startTestServer(t)
	client := newE2EClient(t, addr, identity.Public, cfg.Params)

	featureBits, err := feature.ExtractBits(writeTestImage(t), cfg.N)
	if err != nil {
		t.Fatalf("extract features: %v", err)
	}

	regReq := client.encryptProbe(t, featureBits)
	regProto := protocol.RegisterRequest{
		UserID:          "alice",
		Ciphertext:      regReq.Ciphertext,
		EKeyBytes:       regReq.EKeyBytes,
		EIVBytes:        regReq.EIVBytes,
		ETrueBytes:      regReq.ETrueBytes,
		EServerKeyBytes: client.evalKeyBytes,
	}

	conn, frameKey := client.dial(t)
	payload, err := regProto.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal register request: %v", err)
	}
	w := protocol.NewWriter(conn, frameKey)
	if err := w.WriteFrame(protocol.Frame{Type: protocol.MsgRegisterRequest, Payload: payload}); err != nil {
		t.Fatalf("write register request: %v", err)
	}
	r := protocol.NewReader(bufio.NewReader(conn), frameKey)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read register response: %v", err)
	}
	var regResp protocol.RegisterResponse
	if err := regResp.UnmarshalBinary(frame.Payload); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	conn.Close()
	if !regResp.Success {
		t.Fatalf("register failed: %s", regResp.Message)
	}

	verReq := client.encryptProbe(t, featureBits)
	verReq.UserID = "alice"

	conn, frameKey = client.dial(t)
	defer conn.Close()
	payload, err = verReq.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal verify request: %v", err)
	}
	w = protocol.NewWriter(conn, frameKey)
	if err := w.WriteFrame(protocol.Frame{Type: protocol.MsgVerifyRequest, Payload: payload}); err != nil {
		t.Fatalf("write verify request: %v", err)
	}
	r = protocol.NewReader(bufio.NewReader(conn), frameKey)
	frame, err = r.ReadFrame()
	if err != nil {
		t.Fatalf("read verify response: %v", err)
	}
	var verResp protocol.VerifyResponse
	if err := verResp.UnmarshalBinary(frame.Payload); err != nil {
		t.Fatalf("unmarshal verify response: %v", err)
	}
	if !verResp.Success {
		t.Fatal("expected successful verify response")
	}

	var eMatch fhe.EBool
	if err := eMatch.UnmarshalBinary(verResp.EMatchBytes); err != nil {
		t.Fatalf("unmarshal match: %v", err)
	}
	if !client.dec.Decrypt(eMatch) {
		t.Fatal("expected identical fingerprint to match end to end")
	}
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.bin")
	if err := os.WriteFile(path, []byte("a reasonably stable probe image stand-in"), 0600); err != nil {
		t.Fatalf("write probe file: %v", err)
	}
	return path
}
