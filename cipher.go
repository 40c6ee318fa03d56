// SPDX-License-Identifier: GPL-3.0-or-later

package multipipe

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the pre-shared cipher key.
	KeySize = chacha20.KeySize

	// NonceSize is the size of the per-session nonce.
	NonceSize = chacha20.NonceSize
)

// Role selects which keystream a [*CipherStream] uses for each direction.
// The two ends of a session must use opposite roles.
type Role int

const (
	// RoleInitiator writes with the initiator-to-responder keystream.
	RoleInitiator Role = iota

	// RoleResponder writes with the responder-to-initiator keystream.
	RoleResponder
)

// String implements [fmt.Stringer].
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Direction labels bound into the keystream keys.
const (
	labelInitiatorToResponder = "multipipe initiator->responder"
	labelResponderToInitiator = "multipipe responder->initiator"
)

// NewNonce returns a fresh random session nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// newKeystream derives the key of one direction with HKDF-SHA256 over
// the pre-shared key, salted with the nonce, and returns its ChaCha20 state.
func newKeystream(key, nonce []byte, label string) (*chacha20.Cipher, error) {
	hk := hkdf.New(sha256.New, key, nonce, []byte(label))
	dirKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hk, dirKey); err != nil {
		return nil, err
	}
	return chacha20.NewUnauthenticatedCipher(dirKey, nonce)
}

// CipherStream encrypts everything written to, and decrypts everything
// read from, a wrapped transport using ChaCha20.
//
// Each direction owns an independent keystream derived from (key, nonce,
// direction), so the same keystream bytes never protect two different
// plaintexts. The write keystream of one end advances in lockstep with the
// read keystream of the peer: losing or reordering ciphertext breaks the
// session for good. The cipher carries no framing and no authentication.
//
// Read and Write may be used concurrently with each other.
type CipherStream struct {
	rw io.ReadWriter

	readMu sync.Mutex
	reader *chacha20.Cipher

	writeMu sync.Mutex
	writer  *chacha20.Cipher
	desync  error
}

// NewCipherStream wraps rw using the given pre-shared key ([KeySize] bytes),
// session nonce ([NonceSize] bytes) and role.
func NewCipherStream(rw io.ReadWriter, key, nonce []byte, role Role) (*CipherStream, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	writeLabel, readLabel := labelInitiatorToResponder, labelResponderToInitiator
	if role == RoleResponder {
		writeLabel, readLabel = readLabel, writeLabel
	}
	writer, err := newKeystream(key, nonce, writeLabel)
	if err != nil {
		return nil, err
	}
	reader, err := newKeystream(key, nonce, readLabel)
	if err != nil {
		return nil, err
	}
	return &CipherStream{rw: rw, reader: reader, writer: writer}, nil
}

// Read implements [io.Reader].
func (s *CipherStream) Read(buf []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	count, err := s.rw.Read(buf)
	if count > 0 {
		s.reader.XORKeyStream(buf[:count], buf[:count])
	}
	return count, err
}

// Write implements [io.Writer].
//
// A short write leaves the keystream ahead of the peer. In that case, and
// for every later call, Write returns an error wrapping [ErrDesync].
func (s *CipherStream) Write(data []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.desync != nil {
		return 0, s.desync
	}
	ciphertext := make([]byte, len(data))
	s.writer.XORKeyStream(ciphertext, data)
	count, err := s.rw.Write(ciphertext)
	if count < len(data) {
		if err == nil {
			err = io.ErrShortWrite
		}
		s.desync = fmt.Errorf("%w: %w", ErrDesync, err)
		return count, s.desync
	}
	return count, err
}

// Flush flushes the wrapped transport if it implements Flush() error.
func (s *CipherStream) Flush() error {
	if flusher, ok := s.rw.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// CloseWrite shuts down the write direction of the wrapped transport, if
// supported, or closes it.
func (s *CipherStream) CloseWrite() error {
	switch dst := s.rw.(type) {
	case interface{ CloseWrite() error }:
		return dst.CloseWrite()
	case io.Closer:
		return dst.Close()
	default:
		return nil
	}
}

// Close closes the wrapped transport if it implements [io.Closer].
func (s *CipherStream) Close() error {
	if closer, ok := s.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// cipherConn is a [net.Conn] whose payload goes through a [*CipherStream].
type cipherConn struct {
	net.Conn
	stream *CipherStream
}

// Read implements [net.Conn].
func (c *cipherConn) Read(buf []byte) (int, error) {
	return c.stream.Read(buf)
}

// Write implements [net.Conn].
func (c *cipherConn) Write(data []byte) (int, error) {
	return c.stream.Write(data)
}

// CipherPipe returns the two ends of an in-memory duplex connection
// encrypted with key and a fresh nonce. The first end is the initiator.
func CipherPipe(key []byte) (net.Conn, net.Conn, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, nil, err
	}
	left, right := net.Pipe()
	initiator, err := NewCipherStream(left, key, nonce, RoleInitiator)
	if err != nil {
		left.Close()
		right.Close()
		return nil, nil, err
	}
	responder, err := NewCipherStream(right, key, nonce, RoleResponder)
	if err != nil {
		left.Close()
		right.Close()
		return nil, nil, err
	}
	return &cipherConn{Conn: left, stream: initiator}, &cipherConn{Conn: right, stream: responder}, nil
}

// NewCipherConnFunc returns a new [*CipherConnFunc].
//
// The cfg argument contains the common configuration.
//
// The key and nonce arguments are the pre-shared key and the session nonce
// agreed with the peer, which must use the opposite role.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewCipherConnFunc(cfg *Config, key, nonce []byte, role Role, logger SLogger) *CipherConnFunc {
	return &CipherConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Key:           key,
		Logger:        logger,
		Nonce:         nonce,
		Role:          role,
		TimeNow:       cfg.TimeNow,
	}
}

// CipherConnFunc encrypts a [net.Conn] using a [*CipherStream].
//
// On failure, it closes the connection.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type CipherConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewCipherConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Key is the pre-shared key.
	//
	// Set by [NewCipherConnFunc] to the user-provided value.
	Key []byte

	// Logger is the [SLogger] to use.
	//
	// Set by [NewCipherConnFunc] to the user-provided logger.
	Logger SLogger

	// Nonce is the session nonce.
	//
	// Set by [NewCipherConnFunc] to the user-provided value.
	Nonce []byte

	// Role is the role of this end of the session.
	//
	// Set by [NewCipherConnFunc] to the user-provided value.
	Role Role

	// TimeNow is the function to get the current time.
	//
	// Set by [NewCipherConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, net.Conn] = &CipherConnFunc{}

// Call invokes the [*CipherConnFunc] to wrap conn.
func (op *CipherConnFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stream, err := NewCipherStream(conn, op.Key, op.Nonce, op.Role)
	op.Logger.Info(
		"cipherSetup",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.String("role", op.Role.String()),
		slog.Time("t", op.TimeNow()),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &cipherConn{Conn: conn, stream: stream}, nil
}
