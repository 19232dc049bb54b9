package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/todosync/pkg/session"
	"github.com/astromechza/todosync/pkg/todo"
)

// Document layout: a "name" string holding the shared display name, and a
// "todos" map of item id to a json encoded record. Records are replaced
// whole, so concurrent edits to one item resolve to a single winner while
// edits to different items merge cleanly.
const (
	nameKey  = "name"
	todosKey = "todos"
)

// document is one replicated list and everything local to it: the automerge
// doc, its change watchers and the peers it live-syncs with.
type document struct {
	id string

	// mu guards doc: the automerge document is not safe for concurrent use
	mu  sync.Mutex
	doc *automerge.Doc

	watchMu  sync.Mutex
	watchers map[chan session.RawEvent]struct{}

	peerMu sync.Mutex
	peers  []string

	// kick wakes the live sync loop ahead of its next tick
	kick chan struct{}
}

func newDocument(id string, doc *automerge.Doc) *document {
	return &document{
		id:       id,
		doc:      doc,
		watchers: map[chan session.RawEvent]struct{}{},
		kick:     make(chan struct{}, 1),
	}
}

func (d *document) displayName() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readName(d.doc)
}

func (d *document) setDisplayName(name string) error {
	d.mu.Lock()
	err := func() error {
		if err := d.doc.Path(nameKey).Set(name); err != nil {
			return fmt.Errorf("failed to set name: %w", err)
		}
		if _, err := d.doc.Commit("set name"); err != nil {
			return fmt.Errorf("failed to commit name: %w", err)
		}
		return nil
	}()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.changed(false)
	return nil
}

func (d *document) putItem(item todo.Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal todo: %w", err)
	}
	d.mu.Lock()
	err = func() error {
		if err := d.doc.Path(todosKey, item.ID).Set(raw); err != nil {
			return fmt.Errorf("failed to set todo: %w", err)
		}
		if _, err := d.doc.Commit("put todo"); err != nil {
			return fmt.Errorf("failed to commit todo: %w", err)
		}
		return nil
	}()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.changed(false)
	return nil
}

func (d *document) item(id string) (todo.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.doc.Path(todosKey, id).Get()
	if err != nil {
		return todo.Item{}, fmt.Errorf("failed to read todo: %w", err)
	}
	if value.Kind() != automerge.KindBytes {
		return todo.Item{}, session.ErrTodoNotFound
	}
	var item todo.Item
	if err := json.Unmarshal(value.Bytes(), &item); err != nil {
		return todo.Item{}, fmt.Errorf("failed to decode todo: %w", err)
	}
	if item.Deleted {
		return todo.Item{}, session.ErrTodoNotFound
	}
	return item, nil
}

func (d *document) items() ([]todo.Item, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, items, err := readSnapshot(d.doc)
	return items, err
}

// save serializes the current state of the document.
func (d *document) save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *document) newSyncState() *automerge.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return automerge.NewSyncState(d.doc)
}

// receiveSyncMessage applies one incoming sync message and reports whether
// it changed the document.
func (d *document) receiveSyncMessage(state *automerge.SyncState, payload []byte) (bool, error) {
	d.mu.Lock()
	before := headsFingerprint(d.doc)
	_, err := state.ReceiveMessage(payload)
	after := headsFingerprint(d.doc)
	d.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("failed to receive sync message: %w", err)
	}
	return before != after, nil
}

// generateSyncMessages drains every pending outgoing message for one peer.
func (d *document) generateSyncMessages(state *automerge.SyncState) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for {
		msg, valid := state.GenerateMessage()
		if !valid {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}

func headsFingerprint(doc *automerge.Doc) string {
	heads := doc.Heads()
	parts := make([]string, 0, len(heads))
	for _, h := range heads {
		parts = append(parts, h.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// changed fans a raw change signal out to the watchers and wakes the sync
// loop so the change travels promptly.
func (d *document) changed(remote bool) {
	d.watchMu.Lock()
	for ch := range d.watchers {
		select {
		case ch <- session.RawEvent{Remote: remote}:
		default:
		}
	}
	d.watchMu.Unlock()
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *document) watch() session.RawSubscription {
	ch := make(chan session.RawEvent, 1)
	d.watchMu.Lock()
	d.watchers[ch] = struct{}{}
	d.watchMu.Unlock()
	return session.NewRawSubscription(ch, func() {
		d.watchMu.Lock()
		defer d.watchMu.Unlock()
		if _, ok := d.watchers[ch]; ok {
			delete(d.watchers, ch)
			close(ch)
		}
	})
}

// addPeers remembers endpoints this document can be synced from, returning
// the ones not known before.
func (d *document) addPeers(endpoints []string) []string {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	var added []string
	for _, e := range endpoints {
		known := false
		for _, p := range d.peers {
			if p == e {
				known = true
				break
			}
		}
		if !known {
			d.peers = append(d.peers, e)
			added = append(added, e)
		}
	}
	return added
}

func (d *document) peerList() []string {
	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	return append([]string{}, d.peers...)
}

// handle is one open reference to a document, implementing session.Handle.
// Closing it releases the watchers opened through it; the document itself
// stays live in the store.
type handle struct {
	d *document

	mu     sync.Mutex
	closed bool
	subs   []session.RawSubscription
}

func (h *handle) DocumentID() string { return h.d.id }

func (h *handle) DisplayName(_ context.Context) (string, error) {
	return h.d.displayName()
}

func (h *handle) SetDisplayName(_ context.Context, name string) error {
	return h.d.setDisplayName(name)
}

func (h *handle) Put(_ context.Context, item todo.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return h.d.putItem(item)
}

func (h *handle) Get(_ context.Context, id string) (todo.Item, error) {
	return h.d.item(id)
}

func (h *handle) GetAll(_ context.Context) ([]todo.Item, error) {
	return h.d.items()
}

func (h *handle) Subscribe() session.RawSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan session.RawEvent)
		close(ch)
		return session.NewRawSubscription(ch, func() {})
	}
	sub := h.d.watch()
	h.subs = append(h.subs, sub)
	return sub
}

func (h *handle) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// readName reads the display name out of a raw list document.
func readName(doc *automerge.Doc) (string, error) {
	value, err := doc.Path(nameKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read name: %w", err)
	}
	if value.Kind() != automerge.KindStr {
		return "", nil
	}
	return value.Str(), nil
}

// readSnapshot reads the display name and the visible items out of a raw
// list document, oldest item first.
func readSnapshot(doc *automerge.Doc) (string, []todo.Item, error) {
	name, err := readName(doc)
	if err != nil {
		return "", nil, err
	}
	value, err := doc.Path(todosKey).Get()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read todos: %w", err)
	}
	if value.Kind() != automerge.KindMap {
		return name, nil, nil
	}
	keys, err := value.Map().Keys()
	if err != nil {
		return "", nil, fmt.Errorf("failed to list todos: %w", err)
	}
	items := make([]todo.Item, 0, len(keys))
	for _, key := range keys {
		entry, err := value.Map().Get(key)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read todo %s: %w", key, err)
		}
		item, ok := decodeItem(key, entry)
		if !ok || item.Deleted {
			continue
		}
		items = append(items, item)
	}
	todo.Sort(items)
	return name, items, nil
}

// ListSnapshot reads the display name and visible items out of a list
// document that is not held by a store, such as one loaded straight from a
// snapshot.
func ListSnapshot(doc *automerge.Doc) (string, []todo.Item, error) {
	return readSnapshot(doc)
}

// decodeItem turns one stored record back into an item. A record that fails
// to decode surfaces as a placeholder rather than breaking the whole list:
// its real content may still arrive from another peer.
func decodeItem(id string, value *automerge.Value) (todo.Item, bool) {
	if value.Kind() != automerge.KindBytes {
		return todo.Item{}, false
	}
	var item todo.Item
	if err := json.Unmarshal(value.Bytes(), &item); err != nil {
		return todo.Item{ID: id, Label: "Missing Content"}, true
	}
	if item.ID == "" {
		item.ID = id
	}
	return item, true
}
