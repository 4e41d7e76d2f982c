// Package supervisor owns collabnote's process-wide mutable state: the
// TCP accept loop, one Session+Router.Serve goroutine per connection,
// and the registry of live DocEngines keyed by summaryId. Grounded on
// _examples/shiv248-kolabpad/pkg/server/server.go's ServerState
// (sync.Map of *Document, getOrCreateDocument, StartCleaner,
// Shutdown), generalized from HTTP+WebSocket to raw TCP.
package supervisor

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/collabnote/server/pkg/docengine"
	"github.com/collabnote/server/pkg/logger"
	"github.com/collabnote/server/pkg/router"
	"github.com/collabnote/server/pkg/session"
	"github.com/collabnote/server/pkg/store"
)

// document pairs a live DocEngine with the run-loop plumbing needed to
// stop it during idle cleanup or shutdown.
type document struct {
	engine       *docengine.Engine
	cancel       context.CancelFunc
	lastAccessed time.Time
}

// Supervisor accepts TCP connections, negotiates key exchange, and
// dispatches each connection's frames through a Router, while owning
// the shared DocEngine registry every connection's Router draws from.
type Supervisor struct {
	st                  store.Store
	rsaKey              *rsa.PrivateKey
	router              *router.Router
	idleExpiry          time.Duration
	broadcastBufferSize int

	mu        sync.Mutex
	documents map[int64]*document

	wg        sync.WaitGroup
	clientSeq int64
}

// New builds a Supervisor. idleExpiry is how long after its last
// GetOrCreate a document with zero subscribers may keep its worker
// before the idle cleaner stops it.
func New(st store.Store, rsaKey *rsa.PrivateKey, idleExpiry time.Duration) *Supervisor {
	return &Supervisor{
		st:                  st,
		rsaKey:              rsaKey,
		idleExpiry:          idleExpiry,
		broadcastBufferSize: 16,
		documents:           make(map[int64]*document),
	}
}

// SetBroadcastBufferSize overrides the per-session outbound update
// queue capacity (spec.md §6's BROADCAST_BUFFER_SIZE), used for every
// connection accepted afterward.
func (s *Supervisor) SetBroadcastBufferSize(n int) {
	if n > 0 {
		s.broadcastBufferSize = n
	}
}

// BindRouter wires the Router that will dispatch every accepted
// connection's frames. Router.New needs the Supervisor as its
// EngineRegistry, so construction happens in two steps to avoid an
// import cycle between pkg/router and pkg/supervisor.
func (s *Supervisor) BindRouter(r *router.Router) {
	s.router = r
}

// GetOrCreate implements router.EngineRegistry: it returns the live
// DocEngine for summaryID, loading content from Store and spawning a
// worker goroutine on first access.
func (s *Supervisor) GetOrCreate(ctx context.Context, summaryID int64) (*docengine.Engine, error) {
	s.mu.Lock()
	if doc, ok := s.documents[summaryID]; ok {
		doc.lastAccessed = time.Now()
		s.mu.Unlock()
		return doc.engine, nil
	}
	s.mu.Unlock()

	content, err := s.st.GetSummaryContent(ctx, summaryID)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load summary %d: %w", summaryID, err)
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	engine := docengine.New(summaryID, content, s.st, 5*time.Second)

	s.mu.Lock()
	if doc, ok := s.documents[summaryID]; ok {
		s.mu.Unlock()
		cancel()
		doc.lastAccessed = time.Now()
		return doc.engine, nil
	}
	s.documents[summaryID] = &document{engine: engine, cancel: cancel, lastAccessed: time.Now()}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		engine.Run(engineCtx)
		s.mu.Lock()
		delete(s.documents, summaryID)
		s.mu.Unlock()
	}()

	return engine, nil
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("supervisor: accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Supervisor) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.clientSeq++
	clientID := "client-" + strconv.FormatInt(s.clientSeq, 10)
	s.mu.Unlock()

	sess := session.NewWithUpdateBuffer(conn, s.rsaKey, clientID, s.broadcastBufferSize)
	if err := sess.KeyExchange(ctx); err != nil {
		logger.Warn("supervisor: key exchange with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	sendLoopCtx, stopSendLoop := context.WithCancel(ctx)
	defer stopSendLoop()
	go sess.StartSendLoop(sendLoopCtx)

	logger.Info("supervisor: %s connected as %s", conn.RemoteAddr(), clientID)
	s.router.Serve(ctx, sess)
	logger.Info("supervisor: %s disconnected", clientID)
}

// StartIdleCleaner periodically stops DocEngines that currently have
// zero subscribers and were last returned by GetOrCreate more than
// idleExpiry ago, mirroring the teacher's
// StartCleaner/cleanupExpiredDocuments hourly sweep.
func (s *Supervisor) StartIdleCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupIdleDocuments()
		}
	}
}

func (s *Supervisor) cleanupIdleDocuments() {
	now := time.Now()
	var expired []int64

	s.mu.Lock()
	for id, doc := range s.documents {
		if doc.engine.SubscriberCount() == 0 && now.Sub(doc.lastAccessed) > s.idleExpiry {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.mu.Lock()
		doc, ok := s.documents[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		logger.Info("supervisor: reaping idle document %d", id)
		doc.cancel()
	}
}

// Shutdown stops every live DocEngine and waits for all connection and
// worker goroutines to exit, mirroring the teacher's Shutdown ranging
// over documents calling Kill().
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, doc := range s.documents {
		doc.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
