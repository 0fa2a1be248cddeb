// Command fpauth-server hosts the verification daemon: it accepts TCP
// connections, runs the ntor-style handshake (package handshake) to derive
// a frame key, then dispatches Register/Verify requests (package protocol)
// to a session.Handle backed by a template store (package store).
//
// Logging writes a JSON file handler for full detail plus a text handler
// on stdout for operators, fanned out through a multiHandler.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/riftlab/fpfhe/internal/blinding"
	"github.com/riftlab/fpfhe/internal/fhe"
	"github.com/riftlab/fpfhe/internal/handshake"
	"github.com/riftlab/fpfhe/internal/protocol"
	"github.com/riftlab/fpfhe/internal/seal"
	"github.com/riftlab/fpfhe/internal/session"
	"github.com/riftlab/fpfhe/internal/store"
	"github.com/riftlab/fpfhe/internal/trivium"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", ":7700", "listen address")
	dataDir := flag.String("data-dir", defaultDataDir(), "server data directory")
	n := flag.Int("n", 512, "feature vector bit length, fixed for this deployment")
	theta := flag.Float64("theta", 0.75, "match similarity threshold")
	flag.Parse()

	logger, logFile := setupLogging(*dataDir)
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== fpauth-server %s ===\n", Version)

	if err := trivium.SelfTest(); err != nil {
		logger.Error("trivium self-test failed, aborting startup", "error", err)
		os.Exit(1)
	}

	identity, err := loadOrCreateIdentity(*dataDir)
	if err != nil {
		logger.Error("load server identity", "error", err)
		os.Exit(1)
	}
	sealKey, err := loadOrCreateSealKey(*dataDir)
	if err != nil {
		logger.Error("load seal key", "error", err)
		os.Exit(1)
	}
	blindSalt, err := loadOrCreateBlindSalt(*dataDir)
	if err != nil {
		logger.Error("load blinding salt", "error", err)
		os.Exit(1)
	}

	params, err := fhe.NewParams()
	if err != nil {
		logger.Error("build FHE parameters", "error", err)
		os.Exit(1)
	}

	cfg := session.Config{
		Params: params,
		N:      *n,
		Theta:  *theta,
		Store: &store.Store{
			Dir:       filepath.Join(*dataDir, "templates"),
			SealKey:   sealKey,
			BlindSalt: blindSalt,
		},
		Logger: logger,
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	logger.Info("listening", "addr", *addr, "n", *n, "theta", *theta)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn("accept", "error", err)
			continue
		}
		go handleConn(conn, identity, cfg, logger)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fpauth-server"
	}
	return filepath.Join(home, ".fpauth", "server")
}

func setupLogging(dataDir string) (*slog.Logger, *os.File) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	logPath := filepath.Join(dataDir, "server.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}}), logFile
}

func loadOrCreateIdentity(dataDir string) (*handshake.ServerIdentity, error) {
	path := filepath.Join(dataDir, "identity.key")
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return handshake.ServerIdentityFromPrivate([32]byte(data))
	}
	identity, err := handshake.NewServerIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, identity.PrivateBytes(), 0600); err != nil {
		return nil, fmt.Errorf("persist server identity: %w", err)
	}
	return identity, nil
}

func loadOrCreateSealKey(dataDir string) (seal.Key, error) {
	path := filepath.Join(dataDir, "seal.key")
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return seal.Key(data), nil
	}
	key, err := seal.NewKey()
	if err != nil {
		return seal.Key{}, err
	}
	if err := os.WriteFile(path, key[:], 0600); err != nil {
		return seal.Key{}, fmt.Errorf("persist seal key: %w", err)
	}
	return key, nil
}

func loadOrCreateBlindSalt(dataDir string) (blinding.Salt, error) {
	path := filepath.Join(dataDir, "blind.key")
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return blinding.Salt(data), nil
	}
	var salt blinding.Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return blinding.Salt{}, fmt.Errorf("generate blinding salt: %w", err)
	}
	if err := os.WriteFile(path, salt[:], 0600); err != nil {
		return blinding.Salt{}, fmt.Errorf("persist blinding salt: %w", err)
	}
	return salt, nil
}

func handleConn(conn net.Conn, identity *handshake.ServerIdentity, cfg session.Config, logger *slog.Logger) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	var helloBytes [32]byte
	if _, err := io.ReadFull(conn, helloBytes[:]); err != nil {
		logger.Warn("read client hello", "remote", remote, "error", err)
		return
	}
	reply, frameKey, err := identity.Respond(handshake.ClientHello{X: helloBytes})
	if err != nil {
		logger.Warn("handshake respond", "remote", remote, "error", err)
		return
	}
	if _, err := conn.Write(reply.Y[:]); err != nil {
		logger.Warn("write handshake reply Y", "remote", remote, "error", err)
		return
	}
	if _, err := conn.Write(reply.Auth[:]); err != nil {
		logger.Warn("write handshake reply auth", "remote", remote, "error", err)
		return
	}

	r := protocol.NewReader(bufio.NewReader(conn), frameKey)
	w := protocol.NewWriter(conn, frameKey)

	for {
		frame, err := r.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("read frame", "remote", remote, "error", err)
			}
			return
		}
		if err := dispatch(frame, w, cfg, logger, remote); err != nil {
			logger.Warn("dispatch frame", "remote", remote, "type", frame.Type, "error", err)
			return
		}
	}
}

func dispatch(frame protocol.Frame, w *protocol.Writer, cfg session.Config, logger *slog.Logger, remote string) error {
	switch frame.Type {
	case protocol.MsgRegisterRequest:
		var req protocol.RegisterRequest
		if err := req.UnmarshalBinary(frame.Payload); err != nil {
			logger.Warn("unmarshal register request", "remote", remote, "error", err)
			return writeRegisterFailure(w)
		}
		return handleRegister(req, w, cfg, logger)

	case protocol.MsgVerifyRequest:
		var req protocol.VerifyRequest
		if err := req.UnmarshalBinary(frame.Payload); err != nil {
			logger.Warn("unmarshal verify request", "remote", remote, "error", err)
			return writeVerifyFailure(w)
		}
		return handleVerify(req, w, cfg, logger)

	default:
		return fmt.Errorf("unknown message type %d", frame.Type)
	}
}

func handleRegister(req protocol.RegisterRequest, w *protocol.Writer, cfg session.Config, logger *slog.Logger) error {
	evalKeyBundle := req.EServerKeyBytes
	if len(evalKeyBundle) == 0 {
		// Re-registration: the client only ships the evaluation key once,
		// so fall back to the bundle persisted with the enrolled record.
		if rec, found, err := cfg.Store.Get(req.UserID); err == nil && found {
			evalKeyBundle = rec.EvalKeyBytes
		}
	}
	evalKey, eTrue, err := openKeyMaterial(evalKeyBundle, req.ETrueBytes, req.UserID)
	if err != nil {
		logger.Warn("register key material", "user_id", req.UserID, "error", err)
		return writeRegisterFailure(w)
	}

	handle, err := session.Open(cfg, evalKey, eTrue)
	if err != nil {
		logger.Warn("register open session", "user_id", req.UserID, "error", err)
		return writeRegisterFailure(w)
	}
	defer handle.Close()

	resp, err := handle.Register(req)
	if err != nil {
		logger.Warn("register", "user_id", req.UserID, "error", err)
		return writeRegisterFailure(w)
	}

	payload, err := resp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal register response: %w", err)
	}
	return w.WriteFrame(protocol.Frame{Type: protocol.MsgRegisterResponse, Payload: payload})
}

func handleVerify(req protocol.VerifyRequest, w *protocol.Writer, cfg session.Config, logger *slog.Logger) error {
	rec, found, err := cfg.Store.Get(req.UserID)
	if err != nil {
		logger.Warn("verify lookup", "user_id", req.UserID, "error", err)
		return writeVerifyFailure(w)
	}
	if !found {
		logger.Info("verify unknown user", "user_id", req.UserID)
		return writeVerifyFailure(w)
	}

	evalKey, eTrue, err := openKeyMaterial(rec.EvalKeyBytes, req.ETrueBytes, req.UserID)
	if err != nil {
		logger.Warn("verify key material", "user_id", req.UserID, "error", err)
		return writeVerifyFailure(w)
	}

	handle, err := session.Open(cfg, evalKey, eTrue)
	if err != nil {
		logger.Warn("verify open session", "user_id", req.UserID, "error", err)
		return writeVerifyFailure(w)
	}
	defer handle.Close()

	resp, err := handle.Verify(req)
	if err != nil {
		logger.Warn("verify", "user_id", req.UserID, "error", err)
		return writeVerifyFailure(w)
	}

	payload, err := resp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal verify response: %w", err)
	}
	return w.WriteFrame(protocol.Frame{Type: protocol.MsgVerifyResponse, Payload: payload})
}

// openKeyMaterial unwraps the evaluation-key bundle and decodes E_true,
// the two pieces of key material every session.Open call requires.
func openKeyMaterial(evalKeyBundle, eTrueBytes []byte, userID string) (*fhe.EvaluationKey, fhe.EBool, error) {
	if len(evalKeyBundle) == 0 {
		return nil, fhe.EBool{}, fmt.Errorf("no evaluation key available for %q", userID)
	}
	raw, err := handshake.UnwrapEvaluationKeyBundle(evalKeyBundle)
	if err != nil {
		return nil, fhe.EBool{}, fmt.Errorf("unwrap evaluation key bundle: %w", err)
	}
	var evalKey fhe.EvaluationKey
	if err := evalKey.UnmarshalBinary(raw); err != nil {
		return nil, fhe.EBool{}, fmt.Errorf("unmarshal evaluation key: %w", err)
	}
	var eTrue fhe.EBool
	if err := eTrue.UnmarshalBinary(eTrueBytes); err != nil {
		return nil, fhe.EBool{}, fmt.Errorf("unmarshal e_true: %w", err)
	}
	return &evalKey, eTrue, nil
}

func writeRegisterFailure(w *protocol.Writer) error {
	resp := protocol.RegisterResponse{Success: false, Message: "request could not be processed"}
	payload, err := resp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal register failure response: %w", err)
	}
	return w.WriteFrame(protocol.Frame{Type: protocol.MsgRegisterResponse, Payload: payload})
}

func writeVerifyFailure(w *protocol.Writer) error {
	resp := protocol.VerifyResponse{Success: false}
	payload, err := resp.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal verify failure response: %w", err)
	}
	return w.WriteFrame(protocol.Frame{Type: protocol.MsgVerifyResponse, Payload: payload})
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
