package docstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/astromechza/todosync/pkg/session"
	"github.com/astromechza/todosync/pkg/todo"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, db *sql.DB, opts ...Option) *Store {
	t.Helper()
	s, err := New(db, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndReopenDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestDB(t))

	h, err := s.CreateDocument(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.DocumentID() == "" {
		t.Fatalf("expected a document id")
	}
	if err := h.SetDisplayName(ctx, "groceries"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Put(ctx, todo.Item{ID: "a", Label: "milk", Created: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// a second handle sees the same live document
	other, err := s.OpenDocument(ctx, h.DocumentID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, err := other.GetAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Label != "milk" {
		t.Fatalf("unexpected items: %+v", items)
	}
	name, err := other.DisplayName(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "groceries" {
		t.Fatalf("unexpected name: %q", name)
	}
}

func TestOpenUnknownDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestDB(t))
	if _, err := s.OpenDocument(ctx, "nope"); !errors.Is(err, session.ErrDocumentUnavailable) {
		t.Fatalf("expected ErrDocumentUnavailable, got %v", err)
	}
}

func TestPutValidatesItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestDB(t))
	h, err := s.CreateDocument(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Put(ctx, todo.Item{Label: "no id"}); !errors.Is(err, todo.ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if err := h.Put(ctx, todo.Item{ID: "a"}); !errors.Is(err, todo.ErrEmptyLabel) {
		t.Fatalf("expected ErrEmptyLabel, got %v", err)
	}
}

func TestSnapshotsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s1, err := New(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, err := s1.CreateDocument(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	docID := h.DocumentID()
	if err := h.SetDisplayName(ctx, "groceries"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Put(ctx, todo.Item{ID: "a", Label: "milk", Created: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Close flushes the final snapshot
	if err := s1.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s2 := newTestStore(t, db)
	h2, err := s2.OpenDocument(ctx, docID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, err := h2.DisplayName(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "groceries" {
		t.Fatalf("unexpected name after restart: %q", name)
	}
	items, err := h2.GetAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].Label != "milk" {
		t.Fatalf("unexpected items after restart: %+v", items)
	}
}

func TestHandleCloseReleasesWatchers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestDB(t))
	h, err := s.CreateDocument(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub := h.Subscribe()
	if err := h.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatalf("expected no event after close")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the watcher channel to be closed")
	}
	// subscribing on a closed handle yields a closed feed
	if _, ok := <-h.Subscribe().Events; ok {
		t.Fatalf("expected a closed feed from a closed handle")
	}
}

func TestShareAddrs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestDB(t), WithAdvertiseAddrs("192.0.2.1:8080"))
	h, err := s.CreateDocument(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addrs := s.ShareAddrs(h.DocumentID())
	if len(addrs) != 1 || addrs[0] != "192.0.2.1:8080" {
		t.Fatalf("unexpected addrs: %v", addrs)
	}
}

func TestConnectAndSyncUnreachable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newTestDB(t))

	if _, err := s.ConnectAndSync(ctx, "doc-x", nil); !errors.Is(err, session.ErrUnreachablePeers) {
		t.Fatalf("expected ErrUnreachablePeers, got %v", err)
	}
	// a closed port refuses fast
	if _, err := s.ConnectAndSync(ctx, "doc-x", []string{"127.0.0.1:1"}); !errors.Is(err, session.ErrUnreachablePeers) {
		t.Fatalf("expected ErrUnreachablePeers, got %v", err)
	}
}

func TestConnectAndSyncHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestStore(t, newTestDB(t))
	if _, err := s.ConnectAndSync(ctx, "doc-x", []string{"127.0.0.1:1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
