package router

import (
	"context"
	"encoding/base64"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/export"
)

func handleSummarize(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	text, err := r.cfg.Summarizer.Summarize(ctx, params[0])
	if err != nil {
		return "", nil, Fail(KindUnhandled, err)
	}
	return "SUMMARY", []string{text}, nil
}

func handleExport(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 2 {
		return "", nil, Fail(KindBadInput, nil)
	}
	content, ext := params[0], params[1]
	data, err := export.Render(content, ext)
	if err != nil {
		return "", nil, Fail(KindBadInput, err)
	}
	return "EXPORTED", []string{base64.StdEncoding.EncodeToString(data)}, nil
}

// handleImportGcal exchanges an OAuth2 authorization code for upcoming
// calendar events and replies with one encoded event per param.
func handleImportGcal(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	if r.cfg.Gcal == nil {
		return "", nil, Fail(KindUnhandled, nil)
	}
	events, err := r.cfg.Gcal.ImportEvents(ctx, params[0], 20)
	if err != nil {
		return "", nil, Fail(KindUnhandled, err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		encoded, eerr := protocol.EncodeParam(ev)
		if eerr != nil {
			return "", nil, Fail(KindUnhandled, eerr)
		}
		out = append(out, encoded)
	}
	return "GCAL_EVENTS", out, nil
}
