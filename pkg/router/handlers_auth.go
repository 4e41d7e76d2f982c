package router

import (
	"context"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/crypto"
	"github.com/collabnote/server/pkg/store"
)

const saltSize = 16

// handleLogin checks username/password, binds the session's userId on
// success, and replies with the account's upcoming events so the
// client can render them without a second round trip.
func handleLogin(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 2 {
		return "", nil, Fail(KindBadInput, nil)
	}
	username, password := params[0], params[1]

	salt, err := r.store.GetSalt(ctx, username)
	if err != nil {
		if err == store.ErrNotFound {
			return "LOGIN_FAIL", nil, nil
		}
		return "", nil, Fail(KindStorageFailure, err)
	}

	hash := crypto.HashPassword(password, salt, r.cfg.Pepper)
	user, err := r.store.Authenticate(ctx, username, hash)
	if err != nil {
		if err == store.ErrNotFound {
			return "LOGIN_FAIL", nil, nil
		}
		return "", nil, Fail(KindStorageFailure, err)
	}

	c.Session.BindUser(user.ID)

	events, err := r.upcomingEvents(ctx, user.ID)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "LOGIN_SUCCESS", events, nil
}

// upcomingEvents encodes every event for userID due within the
// configured lookahead window as one EncodeParam per event.
func (r *Router) upcomingEvents(ctx context.Context, userID int64) ([]string, error) {
	all, err := r.store.GetEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	cutoff := now.Add(time.Duration(r.cfg.EventLookaheadDays) * 24 * time.Hour)

	out := make([]string, 0, len(all))
	for _, ev := range all {
		if ev.EventDate.Before(now) || ev.EventDate.After(cutoff) {
			continue
		}
		encoded, err := protocol.EncodeParam(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

// handleRegister creates a new account with a freshly generated salt.
func handleRegister(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 2 {
		return "", nil, Fail(KindBadInput, nil)
	}
	username, password := params[0], params[1]

	if _, err := r.store.GetUserByUsername(ctx, username); err == nil {
		return "REGISTER_FAIL", nil, nil
	} else if err != store.ErrNotFound {
		return "", nil, Fail(KindStorageFailure, err)
	}

	salt, err := crypto.RandomBytes(saltSize)
	if err != nil {
		return "", nil, Fail(KindCryptoFailure, err)
	}
	hash := crypto.HashPassword(password, salt, r.cfg.Pepper)

	if _, err := r.store.InsertUser(ctx, username, hash, salt); err != nil {
		return "REGISTER_FAIL", nil, nil
	}
	return "REGISTER_SUCCESS", nil, nil
}
