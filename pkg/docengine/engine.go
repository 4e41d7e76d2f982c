// Package docengine is collabnote's per-document worker: the single
// authoritative owner of one summary's live text, cursors, and
// selections, merging concurrent edits via operational transform and
// broadcasting the result to every subscriber.
package docengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/logger"
	"github.com/collabnote/server/pkg/store"
)

const (
	// MaxHistoryLength bounds the applied-change ring per spec.md §4.5.
	MaxHistoryLength = 100
	// MaxRecentChanges is how many trailing changes ride along on
	// every broadcast.
	MaxRecentChanges = 5
	// maxSendFailures is how many consecutive broadcast failures a
	// subscriber tolerates before being dropped, per spec.md §5's
	// "persistent failure unsubscribes the stuck client".
	maxSendFailures = 3
)

// Subscriber is the narrow surface DocEngine needs from a connected
// Session: enough to address it and push an update, without importing
// pkg/session and creating a dependency cycle. ClientID must match the
// key a Subscriber's own changes carry in Change.ClientID, so broadcast
// can exclude a recipient's own cursor/selection from what it's sent.
type Subscriber interface {
	UserID() int64
	ClientID() string
	SendUpdate(payload protocol.UpdatePayload) error
}

// Engine is one document's worker. All content mutation happens on
// the single goroutine that runs Run; every other method only touches
// the mutex-protected fields and the pending queue/notify channel.
type Engine struct {
	summaryID int64
	st        store.Store

	mu           sync.Mutex
	content      string
	subscribers  map[int64]Subscriber
	sendFailures map[int64]int
	cursors     map[string]int
	selections  map[string][2]int
	history     []protocol.Change
	pending     []protocol.ChangeBatch
	dirty       bool
	readOnly    bool

	notify chan struct{}
	done   chan struct{}

	persistTick time.Duration
	restarted   bool
}

// New creates a document worker seeded with content loaded from Store.
func New(summaryID int64, content string, st store.Store, persistTick time.Duration) *Engine {
	return &Engine{
		summaryID:   summaryID,
		st:          st,
		content:     content,
		subscribers:  make(map[int64]Subscriber),
		sendFailures: make(map[int64]int),
		cursors:     make(map[string]int),
		selections:  make(map[string][2]int),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		persistTick: persistTick,
	}
}

// Subscribe registers sub as a live subscriber and returns the current
// content so the caller can send an initial TAKEUPDATE.
func (e *Engine) Subscribe(sub Subscriber) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[sub.UserID()] = sub
	return e.content
}

// Unsubscribe removes a subscriber. If it was the last one, it wakes
// the worker, which persists the content and returns from Run as soon
// as it finds the subscriber set empty.
func (e *Engine) Unsubscribe(userID int64) {
	e.mu.Lock()
	delete(e.subscribers, userID)
	delete(e.sendFailures, userID)
	empty := len(e.subscribers) == 0
	e.mu.Unlock()
	if empty {
		e.wake()
	}
}

// SubscriberCount reports how many Sessions currently hold this
// document open, used by the Supervisor to decide when to reap it.
func (e *Engine) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// Enqueue posts a batch of changes for the worker to apply on its next
// pass. It never blocks the caller.
func (e *Engine) Enqueue(batch protocol.ChangeBatch) {
	e.mu.Lock()
	e.pending = append(e.pending, batch)
	e.mu.Unlock()
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Content returns a snapshot of the current document text.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// Run drives the worker loop until ctx is cancelled or a wake-up finds
// no subscribers left. A panic inside one pass is recovered and the
// worker restarts once from Store's persisted content; a second panic
// marks the document read-only, sends every subscriber an update whose
// doc_content is the text "ERROR~DOCUMENT LOCKED" (delivered through
// SendUpdate like any other update, not as an ERROR frame), and stops
// the worker.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.persistTick)
	defer ticker.Stop()
	defer close(e.done)

	for {
		if e.runPass(ctx, ticker) {
			return
		}
	}
}

// runPass executes the worker body with panic recovery, reporting
// whether the caller should stop entirely.
func (e *Engine) runPass(ctx context.Context, ticker *time.Ticker) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("docengine %d: worker panic: %v", e.summaryID, r)
			stop = e.recoverFromPanic(ctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.persist(context.Background())
			return true
		case <-e.notify:
			e.processPending()
			if e.shouldStop() {
				e.persist(context.Background())
				return true
			}
		case <-ticker.C:
			if e.isDirty() {
				e.persist(ctx)
			}
		}
	}
}

func (e *Engine) recoverFromPanic(ctx context.Context) bool {
	if e.restarted {
		e.mu.Lock()
		e.readOnly = true
		subs := e.snapshotSubscribersLocked()
		e.mu.Unlock()
		for _, sub := range subs {
			_ = sub.SendUpdate(protocol.UpdatePayload{DocContent: "ERROR~DOCUMENT LOCKED"})
		}
		return true
	}
	e.restarted = true
	if content, err := e.st.GetSummaryContent(ctx, e.summaryID); err == nil {
		e.mu.Lock()
		e.content = content
		e.history = nil
		e.mu.Unlock()
	}
	return false
}

func (e *Engine) shouldStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers) == 0
}

func (e *Engine) isDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

func (e *Engine) snapshotSubscribersLocked() []Subscriber {
	out := make([]Subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		out = append(out, s)
	}
	return out
}

// processPending drains the pending queue, flattens it into a single
// stable-sorted change list, applies each change with OT against the
// accumulated history, updates cursors/selections, and broadcasts the
// result. Per spec.md §4.5.
func (e *Engine) processPending() {
	e.mu.Lock()
	if e.readOnly {
		e.mu.Unlock()
		return
	}
	batches := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	var changes []protocol.Change
	for _, b := range batches {
		changes = append(changes, b.Changes...)
	}
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Timestamp != changes[j].Timestamp {
			return changes[i].Timestamp < changes[j].Timestamp
		}
		return changes[i].ClientID < changes[j].ClientID
	})

	e.mu.Lock()
	for _, c := range changes {
		for _, prior := range e.history {
			var ok bool
			c, ok = transformChange(c, prior)
			if !ok {
				c.Start, c.End = -1, -1
				break
			}
		}
		if c.Start < 0 {
			continue
		}

		e.content = applyChange(e.content, c)

		for clientID, pos := range e.cursors {
			if clientID == c.ClientID {
				continue
			}
			e.cursors[clientID] = transformIndex(pos, c)
		}
		for clientID, sel := range e.selections {
			if clientID == c.ClientID {
				continue
			}
			e.selections[clientID] = [2]int{transformIndex(sel[0], c), transformIndex(sel[1], c)}
		}
		if c.ClientID != "" {
			switch c.Op {
			case protocol.OpInsert:
				e.cursors[c.ClientID] = c.Start + len([]rune(c.Text))
			default:
				e.cursors[c.ClientID] = c.Start
			}
		}

		e.history = append(e.history, c)
		if len(e.history) > MaxHistoryLength {
			e.history = e.history[len(e.history)-MaxHistoryLength:]
		}
	}
	e.dirty = true
	content, cursors, selections, recent := e.buildBroadcastLocked()
	subs := e.snapshotSubscribersLocked()
	e.mu.Unlock()

	for _, sub := range subs {
		payload := broadcastPayloadFor(sub.ClientID(), content, cursors, selections, recent)
		if err := sub.SendUpdate(payload); err != nil {
			logger.Warn("docengine %d: broadcast to user %d failed: %v", e.summaryID, sub.UserID(), err)
			e.recordSendFailure(sub.UserID())
		} else {
			e.clearSendFailures(sub.UserID())
		}
	}
}

// recordSendFailure drops a subscriber once it has failed delivery
// maxSendFailures times in a row, per spec.md §5's backpressure rule:
// the worker never blocks on one stuck client, and a client that
// stays stuck is eventually unsubscribed rather than retried forever.
func (e *Engine) recordSendFailure(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendFailures[userID]++
	if e.sendFailures[userID] >= maxSendFailures {
		delete(e.subscribers, userID)
		delete(e.sendFailures, userID)
		logger.Warn("docengine %d: dropping subscriber %d after repeated send failures", e.summaryID, userID)
	}
}

func (e *Engine) clearSendFailures(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sendFailures, userID)
}

// buildBroadcastLocked snapshots the state every subscriber's broadcast
// is derived from. It returns the full cursors/selections maps, keyed
// by ClientID; broadcastPayloadFor trims each recipient's own entry out
// before the payload is sent.
func (e *Engine) buildBroadcastLocked() (content string, cursors map[string]int, selections map[string][2]int, recent []protocol.Change) {
	cursors = make(map[string]int, len(e.cursors))
	for k, v := range e.cursors {
		cursors[k] = v
	}
	selections = make(map[string][2]int, len(e.selections))
	for k, v := range e.selections {
		selections[k] = v
	}

	n := len(e.history)
	start := n - MaxRecentChanges
	if start < 0 {
		start = 0
	}
	recent = make([]protocol.Change, n-start)
	copy(recent, e.history[start:])

	return e.content, cursors, selections, recent
}

// broadcastPayloadFor builds the payload sent to the subscriber
// identified by clientID, excluding that client's own cursor and
// selection — per spec.md §4.5, a client only ever sees others'.
func broadcastPayloadFor(clientID, content string, cursors map[string]int, selections map[string][2]int, recent []protocol.Change) protocol.UpdatePayload {
	otherCursors := make(map[string]int, len(cursors))
	for k, v := range cursors {
		if k == clientID {
			continue
		}
		otherCursors[k] = v
	}
	otherSelections := make(map[string][2]int, len(selections))
	for k, v := range selections {
		if k == clientID {
			continue
		}
		otherSelections[k] = v
	}

	return protocol.UpdatePayload{
		DocContent:    content,
		Cursors:       otherCursors,
		Selections:    otherSelections,
		RecentChanges: recent,
	}
}

// persist saves content to Store and clears the dirty flag, per
// spec.md §4.5's "when the subscriber set empties, or on periodic tick
// while dirty" rule.
func (e *Engine) persist(ctx context.Context) {
	e.mu.Lock()
	content := e.content
	e.dirty = false
	e.mu.Unlock()

	if err := e.st.SaveSummary(ctx, e.summaryID, content); err != nil {
		logger.Error("docengine %d: persist failed: %v", e.summaryID, err)
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
