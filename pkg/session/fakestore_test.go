package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/astromechza/todosync/pkg/registry"
	"github.com/astromechza/todosync/pkg/todo"
)

// fakeStore is an in-memory Store. Documents in network are what other
// peers hold; ConnectAndSync copies one into local when an endpoint in
// reachable is dialed. The gate channels let tests hold an operation open
// to exercise the busy and abandonment paths.
type fakeStore struct {
	mu        sync.Mutex
	local     map[string]*fakeDoc
	network   map[string]*fakeDoc
	reachable map[string]bool
	addrs     []string

	created   int
	syncCalls int

	createErr error
	openErr   error

	openStarted   chan struct{}
	openGate      chan struct{}
	syncStarted   chan struct{}
	syncGate      chan struct{}
	syncHonorsCtx bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		local:     map[string]*fakeDoc{},
		network:   map[string]*fakeDoc{},
		reachable: map[string]bool{},
		addrs:     []string{"127.0.0.1:7777"},
	}
}

func (s *fakeStore) CreateDocument(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created++
	d := newFakeDoc(fmt.Sprintf("doc-%d", s.created))
	s.local[d.id] = d
	return &fakeHandle{d: d}, nil
}

func (s *fakeStore) OpenDocument(ctx context.Context, docID string) (Handle, error) {
	s.mu.Lock()
	openErr, started, gate := s.openErr, s.openStarted, s.openGate
	s.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if openErr != nil {
		return nil, openErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.local[docID]
	if !ok {
		return nil, ErrDocumentUnavailable
	}
	return &fakeHandle{d: d}, nil
}

func (s *fakeStore) ConnectAndSync(ctx context.Context, docID string, endpoints []string) (Handle, error) {
	s.mu.Lock()
	s.syncCalls++
	started, gate, honorsCtx := s.syncStarted, s.syncGate, s.syncHonorsCtx
	s.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		if honorsCtx {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}

	dialed := false
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range endpoints {
		if s.reachable[e] {
			dialed = true
			break
		}
	}
	if !dialed {
		return nil, ErrUnreachablePeers
	}
	remote, ok := s.network[docID]
	if !ok {
		return nil, ErrDocumentUnavailable
	}
	d := remote.clone()
	s.local[docID] = d
	return &fakeHandle{d: d}, nil
}

func (s *fakeStore) ShareAddrs(docID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.addrs...)
}

// seedRemote plants a document on the fake network, reachable through the
// given endpoint.
func (s *fakeStore) seedRemote(docID string, name string, endpoint string) *fakeDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := newFakeDoc(docID)
	d.name = name
	s.network[docID] = d
	s.reachable[endpoint] = true
	return d
}

type fakeDoc struct {
	mu       sync.Mutex
	id       string
	name     string
	items    map[string]todo.Item
	watchers map[chan RawEvent]struct{}
}

func newFakeDoc(id string) *fakeDoc {
	return &fakeDoc{id: id, items: map[string]todo.Item{}, watchers: map[chan RawEvent]struct{}{}}
}

func (d *fakeDoc) clone() *fakeDoc {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeDoc(d.id)
	c.name = d.name
	for id, item := range d.items {
		c.items[id] = item
	}
	return c
}

func (d *fakeDoc) notify(remote bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.watchers {
		select {
		case ch <- RawEvent{Remote: remote}:
		default:
		}
	}
}

// injectRemote simulates a change merged in from another peer.
func (d *fakeDoc) injectRemote(item todo.Item) {
	d.mu.Lock()
	d.items[item.ID] = item
	d.mu.Unlock()
	d.notify(true)
}

type fakeHandle struct {
	d      *fakeDoc
	mu     sync.Mutex
	closed bool
	subs   []RawSubscription
}

func (h *fakeHandle) DocumentID() string { return h.d.id }

func (h *fakeHandle) DisplayName(ctx context.Context) (string, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.d.name, nil
}

func (h *fakeHandle) SetDisplayName(ctx context.Context, name string) error {
	h.d.mu.Lock()
	h.d.name = name
	h.d.mu.Unlock()
	h.d.notify(false)
	return nil
}

func (h *fakeHandle) Put(ctx context.Context, item todo.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	h.d.mu.Lock()
	h.d.items[item.ID] = item
	h.d.mu.Unlock()
	h.d.notify(false)
	return nil
}

func (h *fakeHandle) Get(ctx context.Context, id string) (todo.Item, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	item, ok := h.d.items[id]
	if !ok || item.Deleted {
		return todo.Item{}, ErrTodoNotFound
	}
	return item, nil
}

func (h *fakeHandle) GetAll(ctx context.Context) ([]todo.Item, error) {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	out := make([]todo.Item, 0, len(h.d.items))
	for _, item := range h.d.items {
		if item.Deleted {
			continue
		}
		out = append(out, item)
	}
	todo.Sort(out)
	return out, nil
}

func (h *fakeHandle) Subscribe() RawSubscription {
	ch := make(chan RawEvent, 1)
	h.d.mu.Lock()
	h.d.watchers[ch] = struct{}{}
	h.d.mu.Unlock()
	d := h.d
	sub := NewRawSubscription(ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.watchers[ch]; ok {
			delete(d.watchers, ch)
			close(ch)
		}
	})
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub
}

func (h *fakeHandle) Close() error {
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

// fakeRegistry is an in-memory Registry honoring the same uniqueness rules
// as the sqlite one.
type fakeRegistry struct {
	mu     sync.Mutex
	order  []string
	byName map[string]string
	byDoc  map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byName: map[string]string{}, byDoc: map[string]string{}}
}

func (r *fakeRegistry) Register(ctx context.Context, name string, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok {
		if existing == docID {
			return nil
		}
		return registry.ErrDuplicateName
	}
	if _, ok := r.byDoc[docID]; ok {
		return registry.ErrDuplicateDocument
	}
	r.byName[name] = docID
	r.byDoc[docID] = name
	r.order = append(r.order, name)
	return nil
}

func (r *fakeRegistry) Lookup(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	docID, ok := r.byName[name]
	if !ok {
		return "", registry.ErrNotFound
	}
	return docID, nil
}

func (r *fakeRegistry) NameOf(ctx context.Context, docID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byDoc[docID]
	if !ok {
		return "", registry.ErrNotFound
	}
	return name, nil
}

func (r *fakeRegistry) Names(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...), nil
}
