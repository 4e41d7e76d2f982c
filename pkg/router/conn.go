package router

import (
	"fmt"
	"os"
	"sync"

	"github.com/collabnote/server/pkg/docengine"
	"github.com/collabnote/server/pkg/session"
)

// Conn is one connection's router-level state: its Session, the
// DocEngine it is currently bound to (if any), and in-progress file
// uploads. Mirrors original_source/server.py's per-socket
// handlers_per_sock_per_path map, scoped to one connection instead of
// a process-wide dict keyed by socket.
type Conn struct {
	Session *session.Session

	mu           sync.Mutex
	boundSummary int64
	boundEngine  *docengine.Engine

	uploadsMu sync.Mutex
	uploads   map[string]*os.File
}

// NewConn wraps sess in router-level per-connection state.
func NewConn(sess *session.Session) *Conn {
	return &Conn{
		Session: sess,
		uploads: make(map[string]*os.File),
	}
}

// BoundSummary returns the summaryId this connection is currently
// subscribed to for live editing, if any.
func (c *Conn) BoundSummary() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundSummary, c.boundEngine != nil
}

// BoundEngine returns the currently bound summaryId and its DocEngine,
// or (0, nil) if this connection has no document open.
func (c *Conn) BoundEngine() (int64, *docengine.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundSummary, c.boundEngine
}

// BindSummary records the DocEngine this connection is now subscribed
// to, unsubscribing from any previous, different one — a session may be
// bound to at most one live document at a time (spec.md §4.4). Session
// is kept in sync so its own Close cleanup never double-unsubscribes
// against a document Conn already tore down.
func (c *Conn) BindSummary(summaryID int64, engine *docengine.Engine) {
	c.mu.Lock()
	prevSummary, prevEngine := c.boundSummary, c.boundEngine
	c.boundSummary = summaryID
	c.boundEngine = engine
	c.mu.Unlock()

	if prevEngine != nil && prevEngine != engine {
		prevEngine.Unsubscribe(c.Session.UserID())
		c.Session.UntrackSubscription(prevSummary)
	}
	c.Session.TrackSubscription(summaryID, engine)
}

// UnbindSummary unsubscribes from the currently bound document, if
// any, and clears the binding.
func (c *Conn) UnbindSummary() {
	c.mu.Lock()
	summaryID, engine := c.boundSummary, c.boundEngine
	c.boundEngine = nil
	c.boundSummary = 0
	c.mu.Unlock()

	if engine != nil {
		engine.Unsubscribe(c.Session.UserID())
		c.Session.UntrackSubscription(summaryID)
	}
}

// openUpload registers a new staged-upload handle for name, erroring
// if one is already open — FILE must not be sent twice without an END.
func (c *Conn) openUpload(name string, f *os.File) error {
	c.uploadsMu.Lock()
	defer c.uploadsMu.Unlock()
	if _, exists := c.uploads[name]; exists {
		return fmt.Errorf("upload %q already open", name)
	}
	c.uploads[name] = f
	return nil
}

func (c *Conn) getUpload(name string) (*os.File, bool) {
	c.uploadsMu.Lock()
	defer c.uploadsMu.Unlock()
	f, ok := c.uploads[name]
	return f, ok
}

func (c *Conn) closeUpload(name string) {
	c.uploadsMu.Lock()
	defer c.uploadsMu.Unlock()
	if f, ok := c.uploads[name]; ok {
		f.Close()
		delete(c.uploads, name)
	}
}

// Close tears down any bound document subscription and open upload
// handles. Called when the connection's Session closes.
func (c *Conn) Close() {
	c.UnbindSummary()

	c.uploadsMu.Lock()
	defer c.uploadsMu.Unlock()
	for name, f := range c.uploads {
		f.Close()
		delete(c.uploads, name)
	}
}
