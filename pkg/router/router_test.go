package router

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"path/filepath"
	"testing"

	"github.com/collabnote/server/pkg/crypto"
	"github.com/collabnote/server/pkg/docengine"
	"github.com/collabnote/server/pkg/session"
	"github.com/collabnote/server/pkg/store"
)

type fakeRegistry struct {
	st store.Store
}

func (f *fakeRegistry) GetOrCreate(ctx context.Context, summaryID int64) (*docengine.Engine, error) {
	content, err := f.st.GetSummaryContent(ctx, summaryID)
	if err != nil {
		return nil, err
	}
	e := docengine.New(summaryID, content, f.st, 0)
	return e, nil
}

func newTestRouter(t *testing.T) (*Router, store.Store, int64) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	salt := []byte("0123456789abcdef")
	pepper := []byte("pepper")
	hash := crypto.HashPassword("secret", salt, pepper)
	u, err := st.InsertUser(context.Background(), "alice", hash, salt)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}

	r := New(st, &fakeRegistry{st: st}, Config{Pepper: pepper, DataDir: dir})
	return r, st, u.ID
}

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewConn(session.New(serverConn, key, "client-1"))
}

// Scenario 6 (spec.md §8): any handler other than LOGIN/REGISTER,
// invoked before a successful login, replies ERROR~NOT LOGGED IN and
// never reaches the underlying handler.
func TestDispatchAuthGateBlocksUnauthenticated(t *testing.T) {
	r, _, _ := newTestRouter(t)
	c := newTestConn(t)

	code, params := r.Dispatch(context.Background(), c, "GETSUMMARIES", nil)
	if code != "ERROR" || len(params) != 1 || params[0] != string(KindAuthRequired) {
		t.Fatalf("got %s~%v, want ERROR~%s", code, params, KindAuthRequired)
	}
	if c.Session.IsLoggedIn() {
		t.Fatalf("session should not be logged in")
	}
}

func TestDispatchUnknownCodeIsUnhandled(t *testing.T) {
	r, _, _ := newTestRouter(t)
	c := newTestConn(t)

	code, params := r.Dispatch(context.Background(), c, "NOSUCHCODE", nil)
	if code != "ERROR" || params[0] != string(KindUnhandled) {
		t.Fatalf("got %s~%v, want ERROR~%s", code, params, KindUnhandled)
	}
}

func TestLoginSuccessBindsUserAndAllowsFollowupCodes(t *testing.T) {
	r, _, _ := newTestRouter(t)
	c := newTestConn(t)

	code, _ := r.Dispatch(context.Background(), c, "LOGIN", []string{"alice", "secret"})
	if code != "LOGIN_SUCCESS" {
		t.Fatalf("login: got %s, want LOGIN_SUCCESS", code)
	}
	if !c.Session.IsLoggedIn() {
		t.Fatalf("session should be logged in after LOGIN_SUCCESS")
	}

	code, params := r.Dispatch(context.Background(), c, "GETSUMMARIES", nil)
	if code != "TAKESUMMARIES" {
		t.Fatalf("got %s~%v, want TAKESUMMARIES", code, params)
	}
}

func TestLoginWrongPasswordFails(t *testing.T) {
	r, _, _ := newTestRouter(t)
	c := newTestConn(t)

	code, _ := r.Dispatch(context.Background(), c, "LOGIN", []string{"alice", "wrong"})
	if code != "LOGIN_FAIL" {
		t.Fatalf("got %s, want LOGIN_FAIL", code)
	}
	if c.Session.IsLoggedIn() {
		t.Fatalf("session should not be logged in after LOGIN_FAIL")
	}
}

func TestRegisterThenLoginRoundTrip(t *testing.T) {
	r, _, _ := newTestRouter(t)
	c := newTestConn(t)

	code, _ := r.Dispatch(context.Background(), c, "REGISTER", []string{"bob", "hunter2"})
	if code != "REGISTER_SUCCESS" {
		t.Fatalf("register: got %s, want REGISTER_SUCCESS", code)
	}

	code, _ = r.Dispatch(context.Background(), c, "REGISTER", []string{"bob", "hunter2"})
	if code != "REGISTER_FAIL" {
		t.Fatalf("duplicate register: got %s, want REGISTER_FAIL", code)
	}

	code, _ = r.Dispatch(context.Background(), c, "LOGIN", []string{"bob", "hunter2"})
	if code != "LOGIN_SUCCESS" {
		t.Fatalf("login after register: got %s, want LOGIN_SUCCESS", code)
	}
}

func TestSaveThenGetSummaryRoundTrip(t *testing.T) {
	r, _, uid := newTestRouter(t)
	c := newTestConn(t)
	c.Session.BindUser(uid)

	code, _ := r.Dispatch(context.Background(), c, "SAVE", []string{"My Note", "hello world", "Arial"})
	if code != "SAVE_SUCCESS" {
		t.Fatalf("save: got %s, want SAVE_SUCCESS", code)
	}

	code, params := r.Dispatch(context.Background(), c, "GETSUMMARYLINK", []string{"My Note"})
	if code != "TAKESUMMARYLINK" || len(params) != 1 {
		t.Fatalf("got %s~%v, want TAKESUMMARYLINK~<sid>", code, params)
	}

	code, params = r.Dispatch(context.Background(), c, "GETSUMMARY", params)
	if code != "TAKESUMMARY" || len(params) != 1 {
		t.Fatalf("got %s~%v, want TAKESUMMARY", code, params)
	}
	if _, bound := c.BoundSummary(); !bound {
		t.Fatalf("connection should be bound to a summary after GETSUMMARY")
	}
}
