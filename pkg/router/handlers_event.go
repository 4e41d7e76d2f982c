package router

import (
	"context"
	"strconv"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/store"
)

func handleAddEvent(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 2 {
		return "", nil, Fail(KindBadInput, nil)
	}
	date, err := time.Parse(time.RFC3339, params[1])
	if err != nil {
		return "", nil, Fail(KindBadInput, err)
	}

	ev, err := r.store.InsertEvent(ctx, c.Session.UserID(), params[0], date)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	encoded, eerr := protocol.EncodeParam(ev)
	if eerr != nil {
		return "", nil, Fail(KindUnhandled, eerr)
	}
	return "EVENT_SUCCESS", []string{encoded}, nil
}

func handleGetEvents(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	events, err := r.store.GetEvents(ctx, c.Session.UserID())
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		encoded, eerr := protocol.EncodeParam(ev)
		if eerr != nil {
			return "", nil, Fail(KindUnhandled, eerr)
		}
		out = append(out, encoded)
	}
	return "TAKEEVENTS", out, nil
}

func handleDeleteEvent(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	eventID, perr := parseParamID(params, 0)
	if perr != nil {
		return "", nil, perr
	}
	if err := r.store.DeleteEvent(ctx, eventID, c.Session.UserID()); err != nil {
		if err == store.ErrNotFound {
			return "", nil, Fail(KindNotFound, err)
		}
		if err == store.ErrPermissionDenied {
			return "", nil, Fail(KindPermissionDenied, err)
		}
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "DELETE_SUCCESS", []string{strconv.FormatInt(eventID, 10)}, nil
}

// handleSaveEvents bulk-inserts a client-pickled list of events, one
// EncodeParam blob per event, per spec.md §4.4's SAVE_EVENTS row.
func handleSaveEvents(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	for _, p := range params {
		var payload struct {
			EventTitle string    `json:"eventTitle"`
			EventDate  time.Time `json:"eventDate"`
		}
		if err := protocol.DecodeParam(p, &payload); err != nil {
			return "", nil, Fail(KindBadInput, err)
		}
		if _, err := r.store.InsertEvent(ctx, c.Session.UserID(), payload.EventTitle, payload.EventDate); err != nil {
			return "", nil, Fail(KindStorageFailure, err)
		}
	}
	return "SAVE_SUCCESS", nil, nil
}
