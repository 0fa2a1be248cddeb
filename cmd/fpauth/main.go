// Command fpauth is the client-side CLI: it extracts a feature vector from
// an image file (package feature), Trivium-encrypts it with a fresh
// key/IV, FHE-encrypts that key/IV and a constant E_true under a
// persistent client key, and sends a Register or Verify request to
// fpauth-server over a handshake-authenticated connection.
//
// Subcommands: register <user_id> <image_path>, verify <user_id>
// <image_path>, help; exit 0 on success, non-zero otherwise.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/riftlab/fpfhe/internal/feature"
	"github.com/riftlab/fpfhe/internal/fhe"
	"github.com/riftlab/fpfhe/internal/handshake"
	"github.com/riftlab/fpfhe/internal/protocol"
	"github.com/riftlab/fpfhe/internal/trivium"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "register":
		return runRegister(args[1:])
	case "verify":
		return runVerify(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "fpauth: unknown command %q\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println("fpauth", Version)
	fmt.Println("usage:")
	fmt.Println("  fpauth register <user_id> <image_path>")
	fmt.Println("  fpauth verify <user_id> <image_path>")
	fmt.Println("  fpauth help")
}

type clientConfig struct {
	server    string
	serverPub string
	dataDir   string
	n         int
	timeout   time.Duration
}

func parseClientFlags(fs *flag.FlagSet, args []string) (*clientConfig, []string, error) {
	cfg := &clientConfig{}
	fs.StringVar(&cfg.server, "server", "localhost:7700", "fpauth-server address")
	fs.StringVar(&cfg.serverPub, "server-pubkey", "", "hex-encoded server public key (required)")
	fs.StringVar(&cfg.dataDir, "data-dir", defaultClientDataDir(), "client data directory")
	fs.IntVar(&cfg.n, "n", 512, "feature vector bit length, must match the deployment")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Hour, "wall-clock deadline for the whole request round trip (homomorphic evaluation is slow)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func defaultClientDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fpauth-client"
	}
	return filepath.Join(home, ".fpauth", "client")
}

func runRegister(args []string) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	cfg, rest, err := parseClientFlags(fs, args)
	if err != nil {
		return 1
	}
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "fpauth: register requires <user_id> <image_path>")
		return 1
	}
	userID, imagePath := rest[0], rest[1]

	params, err := fhe.NewParams()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: build FHE parameters: %v\n", err)
		return 1
	}
	ck, evalKeyBundle, firstTime, err := loadOrCreateClientKey(cfg.dataDir, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: client key: %v\n", err)
		return 1
	}

	featureBits, err := feature.ExtractBits(imagePath, cfg.n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: extract features: %v\n", err)
		return 1
	}

	key, iv, err := freshKeyIV()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: generate key/iv: %v\n", err)
		return 1
	}
	ciphertext, err := trivium.Encrypt(key, iv, featureBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: trivium encrypt: %v\n", err)
		return 1
	}

	enc := fhe.NewEncryptor(params, ck)
	eKeyBytes, err := fhe.MarshalEBools(enc.EncryptBits(key))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: marshal e_key: %v\n", err)
		return 1
	}
	eIVBytes, err := fhe.MarshalEBools(enc.EncryptBits(iv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: marshal e_iv: %v\n", err)
		return 1
	}
	eTrueBytes, err := enc.Encrypt(true).MarshalBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: marshal e_true: %v\n", err)
		return 1
	}

	req := protocol.RegisterRequest{
		UserID:     userID,
		Ciphertext: ciphertext,
		EKeyBytes:  eKeyBytes,
		EIVBytes:   eIVBytes,
		ETrueBytes: eTrueBytes,
	}
	if firstTime {
		req.EServerKeyBytes = evalKeyBundle
	}

	resp, err := sendRegister(cfg, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: register: %v\n", err)
		return 1
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "fpauth: registration failed: %s\n", resp.Message)
		return 1
	}
	fmt.Printf("registered %q at %s\n", resp.UserID, resp.Timestamp.Format("2006-01-02T15:04:05Z"))
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	cfg, rest, err := parseClientFlags(fs, args)
	if err != nil {
		return 1
	}
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "fpauth: verify requires <user_id> <image_path>")
		return 1
	}
	userID, imagePath := rest[0], rest[1]

	params, err := fhe.NewParams()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: build FHE parameters: %v\n", err)
		return 1
	}
	ck, err := loadClientKey(cfg.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: no client key found, run register first: %v\n", err)
		return 1
	}

	featureBits, err := feature.ExtractBits(imagePath, cfg.n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: extract features: %v\n", err)
		return 1
	}

	key, iv, err := freshKeyIV()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: generate key/iv: %v\n", err)
		return 1
	}
	ciphertext, err := trivium.Encrypt(key, iv, featureBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: trivium encrypt: %v\n", err)
		return 1
	}

	enc := fhe.NewEncryptor(params, ck)
	eKeyBytes, err := fhe.MarshalEBools(enc.EncryptBits(key))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: marshal e_key: %v\n", err)
		return 1
	}
	eIVBytes, err := fhe.MarshalEBools(enc.EncryptBits(iv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: marshal e_iv: %v\n", err)
		return 1
	}
	eTrueBytes, err := enc.Encrypt(true).MarshalBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: marshal e_true: %v\n", err)
		return 1
	}

	req := protocol.VerifyRequest{
		UserID:     userID,
		Ciphertext: ciphertext,
		EKeyBytes:  eKeyBytes,
		EIVBytes:   eIVBytes,
		ETrueBytes: eTrueBytes,
	}

	resp, err := sendVerify(cfg, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: verify: %v\n", err)
		return 1
	}
	if !resp.Success {
		fmt.Fprintln(os.Stderr, "fpauth: verify request was not processed (unknown user or malformed session)")
		return 1
	}

	dec := fhe.NewDecryptor(params, ck)
	var eMatch fhe.EBool
	if err := eMatch.UnmarshalBinary(resp.EMatchBytes); err != nil {
		fmt.Fprintf(os.Stderr, "fpauth: unmarshal match verdict: %v\n", err)
		return 1
	}
	matched := dec.Decrypt(eMatch)

	distance := 0
	for i, b := range resp.EDistanceBytes {
		var bit fhe.EBool
		if err := bit.UnmarshalBinary(b); err != nil {
			fmt.Fprintf(os.Stderr, "fpauth: unmarshal distance bit %d: %v\n", i, err)
			return 1
		}
		if dec.Decrypt(bit) {
			distance |= 1 << uint(i)
		}
	}

	if matched {
		fmt.Printf("MATCH (hamming distance %d)\n", distance)
		return 0
	}
	fmt.Printf("NO MATCH (hamming distance %d)\n", distance)
	return 1
}

func freshKeyIV() ([]bool, []bool, error) {
	keyBytes := make([]byte, (trivium.KeyBits+7)/8)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	ivBytes := make([]byte, (trivium.IVBits+7)/8)
	if _, err := rand.Read(ivBytes); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return protocol.UnpackBits(keyBytes, trivium.KeyBits), protocol.UnpackBits(ivBytes, trivium.IVBits), nil
}

func loadOrCreateClientKey(dataDir string, params fhe.Params) (*fhe.ClientKey, []byte, bool, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, nil, false, fmt.Errorf("create data dir: %w", err)
	}
	keyPath := filepath.Join(dataDir, "client.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		var ck fhe.ClientKey
		if err := ck.UnmarshalBinary(data); err != nil {
			return nil, nil, false, fmt.Errorf("unmarshal existing client key: %w", err)
		}
		return &ck, nil, false, nil
	}

	kg := fhe.NewKeyGenerator(params)
	ck := kg.GenClientKey()
	data, err := ck.MarshalBinary()
	if err != nil {
		return nil, nil, false, fmt.Errorf("marshal new client key: %w", err)
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, nil, false, fmt.Errorf("persist client key: %w", err)
	}

	evalKey := kg.GenEvaluationKey(ck)
	evalKeyBytes, err := evalKey.MarshalBinary()
	if err != nil {
		return nil, nil, false, fmt.Errorf("marshal evaluation key: %w", err)
	}
	return ck, handshake.WrapEvaluationKeyBundle(evalKeyBytes), true, nil
}

func loadClientKey(dataDir string) (*fhe.ClientKey, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "client.key"))
	if err != nil {
		return nil, err
	}
	var ck fhe.ClientKey
	if err := ck.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("unmarshal client key: %w", err)
	}
	return &ck, nil
}

func dialAndHandshake(cfg *clientConfig) (net.Conn, []byte, error) {
	if cfg.serverPub == "" {
		return nil, nil, fmt.Errorf("-server-pubkey is required")
	}
	pubBytes, err := hex.DecodeString(cfg.serverPub)
	if err != nil || len(pubBytes) != 32 {
		return nil, nil, fmt.Errorf("invalid -server-pubkey: must be 64 hex characters")
	}
	var serverPublic [32]byte
	copy(serverPublic[:], pubBytes)

	conn, err := net.Dial("tcp", cfg.server)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.server, err)
	}
	if cfg.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(cfg.timeout)); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	ch, err := handshake.NewClientHandshake(serverPublic)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("start handshake: %w", err)
	}
	hello := ch.Hello()
	if _, err := conn.Write(hello.X[:]); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send client hello: %w", err)
	}

	var reply handshake.ServerReply
	if _, err := io.ReadFull(conn, reply.Y[:]); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read handshake reply: %w", err)
	}
	if _, err := io.ReadFull(conn, reply.Auth[:]); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read handshake auth: %w", err)
	}

	frameKey, err := ch.Finish(reply)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("finish handshake: %w", err)
	}
	return conn, frameKey, nil
}

func sendRegister(cfg *clientConfig, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	conn, frameKey, err := dialAndHandshake(cfg)
	if err != nil {
		return protocol.RegisterResponse{}, err
	}
	defer conn.Close()

	payload, err := req.MarshalBinary()
	if err != nil {
		return protocol.RegisterResponse{}, fmt.Errorf("marshal register request: %w", err)
	}
	w := protocol.NewWriter(conn, frameKey)
	if err := w.WriteFrame(protocol.Frame{Type: protocol.MsgRegisterRequest, Payload: payload}); err != nil {
		return protocol.RegisterResponse{}, fmt.Errorf("send register request: %w", err)
	}

	r := protocol.NewReader(bufio.NewReader(conn), frameKey)
	frame, err := r.ReadFrame()
	if err != nil {
		return protocol.RegisterResponse{}, fmt.Errorf("read register response: %w", err)
	}
	var resp protocol.RegisterResponse
	if err := resp.UnmarshalBinary(frame.Payload); err != nil {
		return protocol.RegisterResponse{}, fmt.Errorf("unmarshal register response: %w", err)
	}
	return resp, nil
}

func sendVerify(cfg *clientConfig, req protocol.VerifyRequest) (protocol.VerifyResponse, error) {
	conn, frameKey, err := dialAndHandshake(cfg)
	if err != nil {
		return protocol.VerifyResponse{}, err
	}
	defer conn.Close()

	payload, err := req.MarshalBinary()
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("marshal verify request: %w", err)
	}
	w := protocol.NewWriter(conn, frameKey)
	if err := w.WriteFrame(protocol.Frame{Type: protocol.MsgVerifyRequest, Payload: payload}); err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("send verify request: %w", err)
	}

	r := protocol.NewReader(bufio.NewReader(conn), frameKey)
	frame, err := r.ReadFrame()
	if err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("read verify response: %w", err)
	}
	var resp protocol.VerifyResponse
	if err := resp.UnmarshalBinary(frame.Payload); err != nil {
		return protocol.VerifyResponse{}, fmt.Errorf("unmarshal verify response: %w", err)
	}
	return resp, nil
}
