package docengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/collabnote/server/internal/protocol"
	"github.com/collabnote/server/pkg/store"
)

type fakeSubscriber struct {
	userID   int64
	clientID string
	updates  chan protocol.UpdatePayload
}

func newFakeSubscriber(userID int64) *fakeSubscriber {
	return newFakeSubscriberWithClientID(userID, "")
}

func newFakeSubscriberWithClientID(userID int64, clientID string) *fakeSubscriber {
	return &fakeSubscriber{userID: userID, clientID: clientID, updates: make(chan protocol.UpdatePayload, 8)}
}

func (f *fakeSubscriber) UserID() int64    { return f.userID }
func (f *fakeSubscriber) ClientID() string { return f.clientID }

func (f *fakeSubscriber) SendUpdate(payload protocol.UpdatePayload) error {
	f.updates <- payload
	return nil
}

func newTestStore(t *testing.T) (store.Store, int64) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	u, err := st.InsertUser(context.Background(), "alice", "hash", []byte("salt1234salt5678"))
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	sm, err := st.InsertSummary(context.Background(), "Notes", "hello", u.ID, "")
	if err != nil {
		t.Fatalf("insert summary: %v", err)
	}
	return st, sm.ID
}

func TestSubscribeReturnsCurrentContent(t *testing.T) {
	e := New(1, "hello", nil, time.Hour)
	sub := newFakeSubscriber(1)
	got := e.Subscribe(sub)
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if e.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", e.SubscriberCount())
	}
}

// Mirrors spec.md §8 scenario 2 at the worker level: two concurrent
// inserts processed in one pass merge via OT.
func TestProcessPendingMergesConcurrentInserts(t *testing.T) {
	e := New(1, "hello", nil, time.Hour)
	sub := newFakeSubscriber(1)
	e.Subscribe(sub)

	e.Enqueue(protocol.ChangeBatch{
		UserID:   1,
		ClientID: "A",
		Changes: []protocol.Change{
			{Start: 5, Op: protocol.OpInsert, Text: " world", ClientID: "A", Timestamp: 1},
		},
	})
	e.Enqueue(protocol.ChangeBatch{
		UserID:   2,
		ClientID: "B",
		Changes: []protocol.Change{
			{Start: 0, Op: protocol.OpInsert, Text: "X", ClientID: "B", Timestamp: 2},
		},
	})

	e.processPending()

	if e.Content() != "Xhello world" {
		t.Fatalf("got %q, want %q", e.Content(), "Xhello world")
	}

	select {
	case payload := <-sub.updates:
		if payload.DocContent != "Xhello world" {
			t.Fatalf("broadcast content: got %q", payload.DocContent)
		}
		if len(payload.RecentChanges) != 2 {
			t.Fatalf("expected 2 recent changes, got %d", len(payload.RecentChanges))
		}
	default:
		t.Fatal("expected a broadcast to the subscriber")
	}
}

// Per spec.md §4.5, a broadcast carries every *other* client's cursor
// and selection, never the recipient's own.
func TestBroadcastExcludesRecipientsOwnCursorAndSelection(t *testing.T) {
	e := New(1, "hello", nil, time.Hour)
	subA := newFakeSubscriberWithClientID(1, "A")
	subB := newFakeSubscriberWithClientID(2, "B")
	e.Subscribe(subA)
	e.Subscribe(subB)

	e.Enqueue(protocol.ChangeBatch{
		Changes: []protocol.Change{
			{Start: 5, Op: protocol.OpInsert, Text: "!", ClientID: "A", Timestamp: 1},
		},
	})
	e.processPending()

	select {
	case payload := <-subA.updates:
		if _, ok := payload.Cursors["A"]; ok {
			t.Fatalf("client A's own cursor should not appear in its own broadcast: %v", payload.Cursors)
		}
	default:
		t.Fatal("expected a broadcast to subscriber A")
	}

	select {
	case payload := <-subB.updates:
		if _, ok := payload.Cursors["A"]; !ok {
			t.Fatalf("client B should see client A's cursor: %v", payload.Cursors)
		}
	default:
		t.Fatal("expected a broadcast to subscriber B")
	}
}

func TestHistoryIsBoundedToMaxLength(t *testing.T) {
	e := New(1, "", nil, time.Hour)
	for i := 0; i < MaxHistoryLength+10; i++ {
		e.Enqueue(protocol.ChangeBatch{
			Changes: []protocol.Change{{Start: 0, Op: protocol.OpInsert, Text: "a", ClientID: "A", Timestamp: int64(i)}},
		})
		e.processPending()
	}
	if len(e.history) != MaxHistoryLength {
		t.Fatalf("history length: got %d, want %d", len(e.history), MaxHistoryLength)
	}
}

func TestUnsubscribeTriggersPersistOnRun(t *testing.T) {
	st, sid := newTestStore(t)
	e := New(sid, "hello", st, time.Hour)

	sub := newFakeSubscriber(1)
	e.Subscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	e.Enqueue(protocol.ChangeBatch{
		Changes: []protocol.Change{{Start: 5, Op: protocol.OpInsert, Text: "!", ClientID: "A", Timestamp: 1}},
	})

	e.Unsubscribe(1)

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after last subscriber left")
	}
	cancel()

	got, err := st.GetSummaryContent(context.Background(), sid)
	if err != nil {
		t.Fatalf("get summary content: %v", err)
	}
	if got != "hello!" {
		t.Fatalf("persisted content: got %q, want %q", got, "hello!")
	}
}
