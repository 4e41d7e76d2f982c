package supervisor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/crypto"
	"github.com/collabnote/server/pkg/router"
	"github.com/collabnote/server/pkg/store"
)

// testClient is a minimal hand-rolled client for exercising the
// supervisor end to end, reading/writing raw length-prefixed frames
// the way a real client would, without pulling in pkg/session.
type testClient struct {
	conn   net.Conn
	crypto *crypto.Crypto
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	frame, err := readRawFrame(conn)
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

	aesKey, err := crypto.GenerateAESKey()
	if err != nil {
		t.Fatalf("generate aes key: %v", err)
	}
	wrapped, err := crypto.EncryptRSA([]byte(base64.StdEncoding.EncodeToString(aesKey)), serverPub)
	if err != nil {
		t.Fatalf("rsa encrypt aes key: %v", err)
	}
	reply := protocol.BuildEnvelope(protocol.KeyCode, base64.StdEncoding.EncodeToString(wrapped))
	if err := protocol.WriteFrame(conn, []byte(reply)); err != nil {
		t.Fatalf("write key reply: %v", err)
	}

	c := crypto.New(nil)
	c.SetAESKey(aesKey)
	return &testClient{conn: conn, crypto: c}
}

func (tc *testClient) send(code string, params ...string) error {
	inner := protocol.BuildEnvelope(code, params...)
	ciphertext, iv, err := tc.crypto.Seal([]byte(inner))
	if err != nil {
		return err
	}
	outer := protocol.BuildEnvelope(protocol.EncodedCode,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(iv),
	)
	return protocol.WriteFrame(tc.conn, []byte(outer))
}

func (tc *testClient) recv(t *testing.T) (string, []string) {
	t.Helper()
	frame, err := readRawFrame(tc.conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	outerCode, outerParams := protocol.ParseEnvelope(string(frame))
	if outerCode != protocol.EncodedCode || len(outerParams) != 2 {
		t.Fatalf("expected ENCODED envelope, got %q", frame)
	}
	ciphertext, _ := base64.StdEncoding.DecodeString(outerParams[0])
	iv, _ := base64.StdEncoding.DecodeString(outerParams[1])
	plain, err := tc.crypto.Open(ciphertext, iv)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	return protocol.ParseEnvelope(string(plain))
}

func readRawFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 10)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	n := 0
	for _, b := range header {
		if b == ' ' {
			continue
		}
		n = n*10 + int(b-'0')
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}

	sup := New(st, key, time.Hour)
	r := router.New(st, sup, router.Config{Pepper: []byte("pepper"), DataDir: dir})
	sup.BindRouter(r)
	return sup, st
}

// TestLoginOverRealTCPConnection exercises the full accept → key
// exchange → dispatch → encrypted reply path end to end.
func TestLoginOverRealTCPConnection(t *testing.T) {
	sup, st := newTestSupervisor(t)

	salt := []byte("0123456789abcdef")
	hash := crypto.HashPassword("secret", salt, []byte("pepper"))
	if _, err := st.InsertUser(context.Background(), "alice", hash, salt); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		sup.Serve(ctx, lis)
		close(serveDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-serveDone
	})

	client := dialTestClient(t, lis.Addr().String())

	if err := client.send("GETSUMMARIES"); err != nil {
		t.Fatalf("send GETSUMMARIES: %v", err)
	}
	code, params := client.recv(t)
	if code != "ERROR" || params[0] != string(router.KindAuthRequired) {
		t.Fatalf("got %s~%v before login, want ERROR~%s", code, params, router.KindAuthRequired)
	}

	if err := client.send("LOGIN", "alice", "secret"); err != nil {
		t.Fatalf("send LOGIN: %v", err)
	}
	code, _ = client.recv(t)
	if code != "LOGIN_SUCCESS" {
		t.Fatalf("got %s, want LOGIN_SUCCESS", code)
	}

	if err := client.send("GETSUMMARIES"); err != nil {
		t.Fatalf("send GETSUMMARIES: %v", err)
	}
	code, _ = client.recv(t)
	if code != "TAKESUMMARIES" {
		t.Fatalf("got %s, want TAKESUMMARIES", code)
	}

	if err := client.send("EXIT"); err != nil {
		t.Fatalf("send EXIT: %v", err)
	}
}
