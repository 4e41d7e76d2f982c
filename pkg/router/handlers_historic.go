package router

import (
	"context"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/store"
)

func handleGetHistoricList(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	sid, bound := c.BoundSummary()
	if !bound {
		return "", nil, Fail(KindBadInput, nil)
	}
	entries, err := r.store.ListHistoric(ctx, sid)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Timestamp
	}
	return "HISTORICLIST", out, nil
}

// handleLoadHistoric unsubscribes from the bound document's live
// DocEngine and replies with a frozen snapshot, per spec.md §4.4:
// viewing history is mutually exclusive with live editing.
func handleLoadHistoric(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	sid, bound := c.BoundSummary()
	if !bound {
		return "", nil, Fail(KindBadInput, nil)
	}
	content, err := r.store.LoadHistoric(ctx, sid, params[0])
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil, Fail(KindNotFound, err)
		}
		return "", nil, Fail(KindStorageFailure, err)
	}
	c.UnbindSummary()

	encoded, eerr := protocol.EncodeParam(protocol.UpdatePayload{DocContent: content})
	if eerr != nil {
		return "", nil, Fail(KindUnhandled, eerr)
	}
	return "TAKEHIST", []string{encoded}, nil
}
