package router

import (
	"context"

	"github.com/collabnote/server/pkg/store"
)

// handleShareSummary grants edit access to the bound summary to
// another user by username. Ownership of the bound summary is
// required — spec.md §4.4 does not expose a view-only grant on the
// wire, so every share is PermissionEdit.
func handleShareSummary(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	sid, bound := c.BoundSummary()
	if !bound {
		return "", nil, Fail(KindBadInput, nil)
	}

	target, err := r.store.GetUserByUsername(ctx, params[0])
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil, Fail(KindNotFound, err)
		}
		return "", nil, Fail(KindStorageFailure, err)
	}

	if err := r.store.ShareSummary(ctx, sid, c.Session.UserID(), target.ID, store.PermissionEdit); err != nil {
		if err == store.ErrPermissionDenied {
			return "", nil, Fail(KindPermissionDenied, err)
		}
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "SHARE_SUCCESS", nil, nil
}
