package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/crypto"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// Scenario 1 (spec.md §8): key exchange round trips exactly 16 bytes,
// and a subsequent ENCODED frame round-trips LOGIN~alice~pw.
func TestKeyExchangeAndEncodedRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverKey := testRSAKey(t)
	sess := New(serverConn, serverKey, "client-1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.KeyExchange(context.Background())
	}()

	client := newTestFrameReader(clientConn)

	frame, err := client.read()
	if err != nil {
		t.Fatalf("read server key frame: %v", err)
	}
	code, params := protocol.ParseEnvelope(string(frame))
	if code != protocol.KeyCode || len(params) != 1 {
		t.Fatalf("unexpected key frame: %q", frame)
	}
	pubPEM, err := base64.StdEncoding.DecodeString(params[0])
	if err != nil {
		t.Fatalf("decode server pub key: %v", err)
	}
	serverPub, err := crypto.ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatalf("parse server pub key: %v", err)
	}

	aesKey := []byte("0123456789ABCDEF")
	wrapped, err := crypto.EncryptRSA([]byte(base64.StdEncoding.EncodeToString(aesKey)), serverPub)
	if err != nil {
		t.Fatalf("rsa encrypt aes key: %v", err)
	}
	reply := protocol.BuildEnvelope(protocol.KeyCode, base64.StdEncoding.EncodeToString(wrapped))
	if err := protocol.WriteFrame(clientConn, []byte(reply)); err != nil {
		t.Fatalf("write key reply: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("server key exchange: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("expected StateReady after key exchange, got %v", sess.State())
	}

	// The test client decrypts with the same AES key to confirm the
	// session actually negotiated the 16 bytes sent above.
	clientCrypt := crypto.New(testRSAKey(t))
	clientCrypt.SetAESKey(aesKey)

	sendErr := make(chan error, 1)
	go func() { sendErr <- sess.Send("LOGIN", "alice", "pw") }()

	appFrame, err := client.read()
	if err != nil {
		t.Fatalf("read application frame: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("session send: %v", err)
	}

	outerCode, outerParams := protocol.ParseEnvelope(string(appFrame))
	if outerCode != protocol.EncodedCode || len(outerParams) != 2 {
		t.Fatalf("expected ENCODED envelope, got %q", appFrame)
	}
	ciphertext, _ := base64.StdEncoding.DecodeString(outerParams[0])
	iv, _ := base64.StdEncoding.DecodeString(outerParams[1])
	plain, err := clientCrypt.Open(ciphertext, iv)
	if err != nil {
		t.Fatalf("client decrypt: %v", err)
	}
	innerCode, innerParams := protocol.ParseEnvelope(string(plain))
	if innerCode != "LOGIN" || len(innerParams) != 2 || innerParams[0] != "alice" || innerParams[1] != "pw" {
		t.Fatalf("unexpected decrypted payload: %q %v", innerCode, innerParams)
	}
}

func TestIsLoggedInAndBindUser(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	sess := New(serverConn, testRSAKey(t), "client-2")
	if sess.IsLoggedIn() {
		t.Fatal("expected fresh session to be unbound")
	}
	sess.BindUser(42)
	if !sess.IsLoggedIn() || sess.UserID() != 42 {
		t.Fatalf("expected bound user 42, got %d", sess.UserID())
	}
}

// testFrameReader reads length-prefixed frames directly off a
// net.Conn, standing in for the client side of the wire protocol
// without pulling in the server's bufio.Reader-based ReadFrame.
type testFrameReader struct {
	conn net.Conn
}

func newTestFrameReader(conn net.Conn) *testFrameReader {
	return &testFrameReader{conn: conn}
}

func (r *testFrameReader) read() ([]byte, error) {
	header := make([]byte, 10)
	if err := readFull(r.conn, header); err != nil {
		return nil, err
	}
	n := 0
	for _, b := range header {
		if b == ' ' {
			continue
		}
		n = n*10 + int(b-'0')
	}
	payload := make([]byte, n)
	if err := readFull(r.conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readFull(conn net.Conn, buf []byte) error {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
