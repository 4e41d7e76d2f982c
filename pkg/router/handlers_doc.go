package router

import (
	"context"

	"github.com/collabnote/server/internal/protocol"
)

// handleUpdateDoc decodes a ChangeBatch and enqueues it on the
// DocEngine this connection is currently bound to. The engine applies
// OT and broadcasts asynchronously via TAKEUPDATE, so this handler's
// reply is a bare acknowledgement.
func handleUpdateDoc(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	_, engine := c.BoundEngine()
	if engine == nil {
		return "", nil, Fail(KindBadInput, nil)
	}

	var batch protocol.ChangeBatch
	if err := protocol.DecodeParam(params[0], &batch); err != nil {
		return "", nil, Fail(KindBadInput, err)
	}
	batch.UserID = c.Session.UserID()
	if batch.ClientID == "" {
		batch.ClientID = c.Session.ClientID()
	}
	for i := range batch.Changes {
		batch.Changes[i].UserID = batch.UserID
		if batch.Changes[i].ClientID == "" {
			batch.Changes[i].ClientID = batch.ClientID
		}
	}

	engine.Enqueue(batch)
	return "OK", nil, nil
}
