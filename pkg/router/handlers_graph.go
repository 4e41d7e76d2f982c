package router

import (
	"context"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/store"
)

func handleGetGraph(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	sid, bound := c.BoundSummary()
	if !bound {
		return "", nil, Fail(KindBadInput, nil)
	}
	nodes, err := r.store.GetGraph(ctx, sid)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	return encodeGraphReply(nodes)
}

func handleHistoricGraph(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	sid, bound := c.BoundSummary()
	if !bound {
		return "", nil, Fail(KindBadInput, nil)
	}
	nodes, err := r.store.HistoricGraph(ctx, sid, params[0])
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil, Fail(KindNotFound, err)
		}
		return "", nil, Fail(KindStorageFailure, err)
	}
	return encodeGraphReply(nodes)
}

func encodeGraphReply(nodes []*store.GraphNode) (string, []string, *Error) {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		encoded, err := protocol.EncodeParam(n)
		if err != nil {
			return "", nil, Fail(KindUnhandled, err)
		}
		out = append(out, encoded)
	}
	return "TAKEGRAPH", out, nil
}
