package router

import (
	"context"
	"strconv"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/store"
)

func handleGetSummaries(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	summaries, err := r.store.GetAllUserCanAccess(ctx, c.Session.UserID())
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	out := make([]string, 0, len(summaries))
	for _, s := range summaries {
		encoded, err := protocol.EncodeParam(s)
		if err != nil {
			return "", nil, Fail(KindUnhandled, err)
		}
		out = append(out, encoded)
	}
	return "TAKESUMMARIES", out, nil
}

// handleGetSummary loads a summary's live content and subscribes this
// connection to its DocEngine, replacing any previously bound
// document (spec.md §4.4: at most one live document per session).
func handleGetSummary(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	sid, perr := parseParamID(params, 0)
	if perr != nil {
		return "", nil, perr
	}

	ok, err := r.store.CanAccess(ctx, sid, c.Session.UserID())
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	if !ok {
		return "", nil, Fail(KindPermissionDenied, nil)
	}

	engine, err := r.registry.GetOrCreate(ctx, sid)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	content := engine.Subscribe(c.Session)
	c.BindSummary(sid, engine)

	encoded, eerr := protocol.EncodeParam(protocol.UpdatePayload{DocContent: content})
	if eerr != nil {
		return "", nil, Fail(KindUnhandled, eerr)
	}
	return "TAKESUMMARY", []string{encoded}, nil
}

func handleGetSummaryLink(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	summary, err := r.store.GetSummaryByLink(ctx, params[0])
	if err != nil {
		if err == store.ErrNotFound {
			return "", nil, Fail(KindNotFound, err)
		}
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "TAKESUMMARYLINK", []string{strconv.FormatInt(summary.ID, 10)}, nil
}

// handleSave either overwrites the currently bound summary's content
// (title == "") or inserts a brand new one owned by this session's
// user, per spec.md §4.4's SAVE row.
func handleSave(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 3 {
		return "", nil, Fail(KindBadInput, nil)
	}
	title, content, font := params[0], params[1], params[2]

	if title == "" {
		sid, bound := c.BoundSummary()
		if !bound {
			return "", nil, Fail(KindBadInput, nil)
		}
		if err := r.store.SaveSummary(ctx, sid, content); err != nil {
			return "", nil, Fail(KindStorageFailure, err)
		}
		if err := r.store.UpdateSummaryMeta(ctx, sid, font); err != nil {
			return "", nil, Fail(KindStorageFailure, err)
		}
		return "SAVE_SUCCESS", nil, nil
	}

	if _, err := r.store.InsertSummary(ctx, title, content, c.Session.UserID(), font); err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "SAVE_SUCCESS", nil, nil
}

// parseParamID parses params[idx] as a decimal summary/event id,
// returning a BadInput Error on malformed input.
func parseParamID(params []string, idx int) (int64, *Error) {
	if idx >= len(params) {
		return 0, Fail(KindBadInput, nil)
	}
	id, err := strconv.ParseInt(params[idx], 10, 64)
	if err != nil {
		return 0, Fail(KindBadInput, err)
	}
	return id, nil
}
