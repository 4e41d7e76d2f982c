package router

import (
	"context"

	"github.com/collabnote/server/pkg/docengine"
	"github.com/collabnote/server/pkg/gcal"
	"github.com/collabnote/server/pkg/logger"
	"github.com/collabnote/server/pkg/ocr"
	"github.com/collabnote/server/pkg/session"
	"github.com/collabnote/server/pkg/store"
	"github.com/collabnote/server/pkg/summarizer"
)

// EngineRegistry is the subset of the Supervisor's DocEngine registry
// the router needs: get-or-create on subscribe. Defined here (rather
// than importing pkg/supervisor) so pkg/supervisor can import
// pkg/router without a cycle.
type EngineRegistry interface {
	GetOrCreate(ctx context.Context, summaryID int64) (*docengine.Engine, error)
}

// HandlerFunc implements one inbound code. It returns the outbound
// code and params to send back, or a structured Error translated to
// ERROR~<kind> by Dispatch.
type HandlerFunc func(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error)

// Config bundles the collaborators and tunables a Router needs beyond
// the Store and EngineRegistry it is constructed with.
type Config struct {
	Pepper             []byte
	EventLookaheadDays int
	DataDir            string
	OCR                ocr.Extractor
	Summarizer         summarizer.Summarizer
	Gcal               *gcal.Client
}

// Router holds the static code→handler table and every collaborator a
// handler might call.
type Router struct {
	store      store.Store
	registry   EngineRegistry
	cfg        Config
	handlers   map[string]HandlerFunc
}

// New builds a Router with the full handler table from spec.md §4.4.
func New(st store.Store, registry EngineRegistry, cfg Config) *Router {
	if cfg.OCR == nil {
		cfg.OCR = ocr.PlainTextExtractor{}
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = summarizer.HeuristicSummarizer{}
	}
	if cfg.EventLookaheadDays <= 0 {
		cfg.EventLookaheadDays = 7
	}

	r := &Router{store: st, registry: registry, cfg: cfg}
	r.handlers = map[string]HandlerFunc{
		"LOGIN":           handleLogin,
		"REGISTER":        handleRegister,
		"GETSUMMARIES":    handleGetSummaries,
		"GETSUMMARY":      handleGetSummary,
		"GETSUMMARYLINK":  handleGetSummaryLink,
		"SAVE":            handleSave,
		"UPDATEDOC":       handleUpdateDoc,
		"SHARESUMMARY":    handleShareSummary,
		"GETGRAPH":        handleGetGraph,
		"GETHISTORICLIST": handleGetHistoricList,
		"LOADHISTORIC":    handleLoadHistoric,
		"HISTORICGRAPH":   handleHistoricGraph,
		"ADDEVENT":        handleAddEvent,
		"GETEVENTS":       handleGetEvents,
		"DELETEEVENT":     handleDeleteEvent,
		"SAVE_EVENTS":     handleSaveEvents,
		"FILE":            handleFile,
		"CHUNK":           handleChunk,
		"END":             handleEnd,
		"GETFILECONTENT":  handleGetFileContent,
		"SUMMARIZE":       handleSummarize,
		"EXPORT":          handleExport,
		"IMPORT_GCAL":     handleImportGcal,
	}
	return r
}

// exemptFromAuthGate lists the only codes a session may invoke before
// a successful LOGIN, per spec.md §4.4.
var exemptFromAuthGate = map[string]bool{
	"LOGIN":    true,
	"REGISTER": true,
}

// Dispatch looks up code in the handler table, enforces the auth gate,
// invokes the handler, and renders any Error to ERROR~<kind>.
func (r *Router) Dispatch(ctx context.Context, c *Conn, code string, params []string) (string, []string) {
	handler, ok := r.handlers[code]
	if !ok {
		return "ERROR", []string{string(KindUnhandled)}
	}
	if !exemptFromAuthGate[code] && !c.Session.IsLoggedIn() {
		return "ERROR", []string{string(KindAuthRequired)}
	}

	replyCode, replyParams, rerr := handler(ctx, c, r, params)
	if rerr != nil {
		logger.Warn("router: %s failed: %v", code, rerr)
		return "ERROR", []string{string(rerr.Kind)}
	}
	return replyCode, replyParams
}

// Serve drives one connection's receive loop until it closes or ctx
// is cancelled: decrypt, dispatch, encrypt reply. EXIT and transport
// errors both end the loop and trigger Session.Close's cleanup.
func (r *Router) Serve(ctx context.Context, sess *session.Session) {
	c := NewConn(sess)
	defer c.Close()
	defer sess.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		code, params, ok, err := sess.Recv(ctx)
		if err != nil {
			logger.Debug("router: session %s recv: %v", sess.ClientID(), err)
			return
		}
		if !ok {
			continue
		}
		if code == "EXIT" {
			return
		}

		replyCode, replyParams := r.Dispatch(ctx, c, code, params)
		if err := sess.Send(replyCode, replyParams...); err != nil {
			logger.Warn("router: session %s send: %v", sess.ClientID(), err)
			return
		}
	}
}
