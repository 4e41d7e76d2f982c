// Package session implements collabnote's per-connection state: the
// RSA/AES key exchange handshake, encrypted frame send/recv, and
// DocEngine subscription bookkeeping so a closing connection can
// unwind cleanly. Grounded on the teacher's pkg/server.Connection,
// adapted from WebSocket+JSON framing to raw TCP + AES-CBC envelopes.
package session

import (
	"bufio"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/crypto"
	"github.com/collabnote/server/pkg/docengine"
	"github.com/collabnote/server/pkg/logger"
)

// ErrUpdateQueueFull is returned by SendUpdate when a subscriber's
// outbound buffer is saturated, letting DocEngine's broadcast move on
// to other subscribers instead of blocking the worker on one slow
// client, per spec.md §5's backpressure rule.
var ErrUpdateQueueFull = errors.New("session: update queue full")

// defaultUpdateBuffer is used when New is called without an explicit
// buffer size (e.g. from tests).
const defaultUpdateBuffer = 16

// State is a Session's position in its connection lifecycle, per
// spec.md §4.3. Login success is tracked independently via UserID
// rather than as a fourth enum value: a session can legally receive
// LOGIN/REGISTER while "Ready", so Ready does not imply authenticated.
type State int32

const (
	StateAwaitingKeyExchange State = iota
	StateReady
	StateClosed
)

// readDeadline is the short poll deadline spec.md §4.3 calls for so
// the receive loop can check for shutdown between reads.
const readDeadline = 500 * time.Millisecond

// Session owns one accepted TCP connection: its encryption state, its
// send/recv serialization, and which documents it currently
// subscribes to.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	crypto  *crypto.Crypto
	sendMu  sync.Mutex
	state   atomic.Int32
	userID  atomic.Int64 // 0 means unbound
	clientID string

	subsMu     sync.Mutex
	subscribed map[int64]*docengine.Engine

	uploadsMu sync.Mutex

	updates chan protocol.UpdatePayload
}

// New wraps conn in a Session bound to the server's long-lived RSA
// identity key. clientID distinguishes this session's edits/cursors
// from others in DocEngine broadcasts. Outbound DocEngine updates are
// queued with a default buffer; use NewWithUpdateBuffer to size it
// explicitly.
func New(conn net.Conn, rsaKey *rsa.PrivateKey, clientID string) *Session {
	return NewWithUpdateBuffer(conn, rsaKey, clientID, defaultUpdateBuffer)
}

// NewWithUpdateBuffer is New with an explicit outbound update queue
// capacity (spec.md §6's BROADCAST_BUFFER_SIZE).
func NewWithUpdateBuffer(conn net.Conn, rsaKey *rsa.PrivateKey, clientID string, bufferSize int) *Session {
	return &Session{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		crypto:     crypto.New(rsaKey),
		clientID:   clientID,
		subscribed: make(map[int64]*docengine.Engine),
		updates:    make(chan protocol.UpdatePayload, bufferSize),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// UserID returns the bound user id, or 0 if the session has not
// logged in yet. Implements docengine.Subscriber.
func (s *Session) UserID() int64 {
	return s.userID.Load()
}

// ClientID identifies this session's edits/cursors in broadcasts.
func (s *Session) ClientID() string {
	return s.clientID
}

// BindUser records a successful login.
func (s *Session) BindUser(userID int64) {
	s.userID.Store(userID)
}

// IsLoggedIn reports whether a successful LOGIN has bound a user, the
// auth gate spec.md §4.4 applies to every handler except LOGIN and
// REGISTER. REGISTER alone does not bind a user.
func (s *Session) IsLoggedIn() bool {
	return s.userID.Load() != 0
}

// RemoteAddr exposes the underlying connection's peer address for
// logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// KeyExchange runs the two-frame RSA/AES handshake from spec.md §4.3
// and §6: the server sends its public key, the client replies with an
// RSA-wrapped AES key, and the session transitions to StateReady.
func (s *Session) KeyExchange(ctx context.Context) error {
	pubB64 := base64.StdEncoding.EncodeToString(s.crypto.PublicKeyBytes())
	if err := s.writeFrame(protocol.BuildEnvelope(protocol.KeyCode, pubB64)); err != nil {
		return fmt.Errorf("session: send public key: %w", err)
	}

	payload, err := s.readFrame()
	if err != nil {
		return fmt.Errorf("session: read key exchange reply: %w", err)
	}
	code, params := protocol.ParseEnvelope(string(payload))
	if code != protocol.KeyCode || len(params) != 1 {
		return fmt.Errorf("session: malformed key exchange reply %q", payload)
	}

	wrapped, err := base64.StdEncoding.DecodeString(params[0])
	if err != nil {
		return fmt.Errorf("session: decode wrapped key: %w", err)
	}
	decrypted, err := s.crypto.DecryptRSA(wrapped)
	if err != nil {
		return fmt.Errorf("session: rsa decrypt aes key: %w", err)
	}
	aesKey, err := base64.StdEncoding.DecodeString(string(decrypted))
	if err != nil {
		return fmt.Errorf("session: decode aes key: %w", err)
	}
	s.crypto.SetAESKey(aesKey)
	s.state.Store(int32(StateReady))
	return nil
}

// Recv blocks (up to readDeadline per attempt) until an application
// frame arrives, decrypts it, and returns its inner code and params.
// Returning (false, nil) on a read timeout lets the caller poll for
// shutdown; io.EOF and other transport errors are returned directly.
func (s *Session) Recv(ctx context.Context) (code string, params []string, ok bool, err error) {
	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	payload, err := s.readFrame()
	if err != nil {
		if ne, isNet := err.(net.Error); isNet && ne.Timeout() {
			return "", nil, false, nil
		}
		return "", nil, false, err
	}

	outerCode, outerParams := protocol.ParseEnvelope(string(payload))
	if outerCode != protocol.EncodedCode || len(outerParams) != 2 {
		return "", nil, false, fmt.Errorf("session: expected ENCODED envelope, got %q", outerCode)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(outerParams[0])
	if err != nil {
		return "", nil, false, fmt.Errorf("session: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(outerParams[1])
	if err != nil {
		return "", nil, false, fmt.Errorf("session: decode iv: %w", err)
	}
	plain, err := s.crypto.Open(ciphertext, iv)
	if err != nil {
		return "", nil, false, fmt.Errorf("session: decrypt frame: %w", err)
	}

	innerCode, innerParams := protocol.ParseEnvelope(string(plain))
	return innerCode, innerParams, true, nil
}

// Send encrypts a CODE~param… envelope and writes it as an ENCODED
// frame, serialized by sendMu per spec.md §4.3's single-writer rule.
func (s *Session) Send(code string, params ...string) error {
	inner := protocol.BuildEnvelope(code, params...)
	ciphertext, iv, err := s.crypto.Seal([]byte(inner))
	if err != nil {
		return fmt.Errorf("session: seal: %w", err)
	}
	outer := protocol.BuildEnvelope(protocol.EncodedCode,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(iv),
	)
	return s.writeFrame(outer)
}

// SendUpdate implements docengine.Subscriber: it enqueues payload for
// StartSendLoop to deliver as a TAKEUPDATE frame, returning immediately
// so a slow client never blocks the DocEngine worker that called it.
func (s *Session) SendUpdate(payload protocol.UpdatePayload) error {
	select {
	case s.updates <- payload:
		return nil
	default:
		return ErrUpdateQueueFull
	}
}

// StartSendLoop drains queued DocEngine updates and writes each as a
// TAKEUPDATE frame, until ctx is cancelled or the session closes. Run
// it once per connection alongside the Recv/dispatch loop.
func (s *Session) StartSendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-s.updates:
			if !ok {
				return
			}
			encoded, err := protocol.EncodeParam(payload)
			if err != nil {
				logger.Error("session %s: encode update payload: %v", s.clientID, err)
				continue
			}
			if err := s.Send("TAKEUPDATE", encoded); err != nil {
				logger.Debug("session %s: send update: %v", s.clientID, err)
				return
			}
		}
	}
}

func (s *Session) writeFrame(payload string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return protocol.WriteFrame(s.conn, []byte(payload))
}

func (s *Session) readFrame() ([]byte, error) {
	return protocol.ReadFrame(s.reader)
}

// TrackSubscription records engine as one this session has joined, so
// Close can unwind it later. The caller is still responsible for
// calling engine.Subscribe itself.
func (s *Session) TrackSubscription(summaryID int64, engine *docengine.Engine) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subscribed[summaryID] = engine
}

// UntrackSubscription forgets a subscription without unsubscribing
// from the engine, for callers that already called engine.Unsubscribe
// themselves (e.g. an explicit "switch document" handler).
func (s *Session) UntrackSubscription(summaryID int64) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subscribed, summaryID)
}

// BoundSummary returns the single summaryId this session currently
// subscribes to, per spec.md §4.4's "bound summary" definition — a
// session is a member of at most one live document at a time.
func (s *Session) BoundSummary() (int64, bool) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sid := range s.subscribed {
		return sid, true
	}
	return 0, false
}

// Close unsubscribes from every DocEngine this session joined and
// closes the underlying connection. Idempotent.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateClosed)) {
		s.state.Store(int32(StateClosed))
	}

	s.subsMu.Lock()
	subs := s.subscribed
	s.subscribed = make(map[int64]*docengine.Engine)
	s.subsMu.Unlock()

	for sid, engine := range subs {
		engine.Unsubscribe(s.UserID())
		logger.Debug("session %s: unsubscribed from document %d on close", s.clientID, sid)
	}

	return s.conn.Close()
}
