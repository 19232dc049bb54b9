// Package session coordinates the list lifecycle on one peer: creating,
// opening and joining shared todo lists, tracking which list is active, and
// turning raw document changes into coalesced change notifications for the
// presentation layer.
package session

import (
	"context"
	"errors"

	"github.com/astromechza/todosync/pkg/todo"
)

var (
	ErrInvalidName = errors.New("list name is empty")
	// ErrBusy rejects a lifecycle operation while another one is in flight.
	ErrBusy         = errors.New("another list operation is in flight")
	ErrNoActiveList = errors.New("no list is active")
	ErrTodoNotFound = errors.New("no todo with that id")
	// ErrDocumentUnavailable means a known document could not be
	// materialized locally.
	ErrDocumentUnavailable = errors.New("document is not available locally")
	// ErrUnreachablePeers means none of a ticket's endpoints could be
	// dialed.
	ErrUnreachablePeers = errors.New("none of the ticket endpoints are reachable")
)

// Store is the replicated document engine the session drives. Implementations
// own merging, transport and persistence; the session layer never sees
// document internals.
type Store interface {
	// CreateDocument makes a fresh empty list document and returns a handle
	// to it.
	CreateDocument(ctx context.Context) (Handle, error)
	// OpenDocument materializes a known document locally, failing with
	// ErrDocumentUnavailable when it cannot.
	OpenDocument(ctx context.Context, docID string) (Handle, error)
	// ConnectAndSync dials the given endpoints, pulls docID from the first
	// reachable one and keeps it syncing. It fails with ErrUnreachablePeers
	// when no endpoint can be dialed.
	ConnectAndSync(ctx context.Context, docID string, endpoints []string) (Handle, error)
	// ShareAddrs reports the endpoints another peer could dial to fetch
	// docID from here.
	ShareAddrs(docID string) []string
}

// Handle is one open reference to a list document.
type Handle interface {
	DocumentID() string
	// DisplayName is the replicated list name stored inside the document,
	// empty when no peer has named it yet.
	DisplayName(ctx context.Context) (string, error)
	SetDisplayName(ctx context.Context, name string) error
	// Put writes a whole item record under its id, replacing any previous
	// record.
	Put(ctx context.Context, item todo.Item) error
	// Get reads one item, tombstoned and unknown ids fail with
	// ErrTodoNotFound.
	Get(ctx context.Context, id string) (todo.Item, error)
	// GetAll returns the visible items, oldest first.
	GetAll(ctx context.Context) ([]todo.Item, error)
	// Subscribe registers a raw change watcher: every local commit and every
	// merged remote batch signals it.
	Subscribe() RawSubscription
	// Close releases the handle and any watchers opened through it. The
	// document itself stays live in the store.
	Close() error
}

// RawEvent is one raw document change signal.
type RawEvent struct {
	// Remote is true when the change arrived from another peer.
	Remote bool
}

// RawSubscription is a live raw change feed for one document.
type RawSubscription struct {
	Events <-chan RawEvent
	cancel func()
}

// NewRawSubscription wires a raw change feed to its cancel function. Store
// implementations use it to hand out watchers.
func NewRawSubscription(events <-chan RawEvent, cancel func()) RawSubscription {
	return RawSubscription{Events: events, cancel: cancel}
}

// Close stops the feed and releases the watcher. It is safe to call more
// than once.
func (s RawSubscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Registry is the durable name table the session registers lists in.
type Registry interface {
	Register(ctx context.Context, name string, docID string) error
	Lookup(ctx context.Context, name string) (string, error)
	NameOf(ctx context.Context, docID string) (string, error)
	Names(ctx context.Context) ([]string, error)
}
