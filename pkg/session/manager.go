package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/astromechza/todosync/pkg/registry"
	"github.com/astromechza/todosync/pkg/ticket"
	"github.com/astromechza/todosync/pkg/todo"
)

// Manager drives the list lifecycle. It is the only writer of session state
// and the bridge between the presentation layer, the registry and the
// document store.
//
// Lifecycle operations are serialized: while one create, open or join is in
// flight, further ones fail fast with ErrBusy. ReturnToSelector is never
// blocked; it abandons any in-flight operation, whose late result is then
// discarded.
type Manager struct {
	store    Store
	registry Registry
	notifier *Notifier

	opMu sync.Mutex

	mu             sync.RWMutex
	state          State
	active         Handle
	generation     uint64
	cancelInflight context.CancelFunc
}

// Option adjusts a Manager.
type Option func(*Manager)

// WithCoalesceWindow bounds how often change events are emitted.
func WithCoalesceWindow(window time.Duration) Option {
	return func(m *Manager) { m.notifier = NewNotifier(window) }
}

// NewManager builds a manager in selecting mode.
func NewManager(store Store, reg Registry, opts ...Option) *Manager {
	m := &Manager{store: store, registry: reg, notifier: NewNotifier(DefaultCoalesceWindow)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the session's current position.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Lists returns the names of every registered list, oldest first.
func (m *Manager) Lists(ctx context.Context) ([]string, error) {
	return m.registry.Names(ctx)
}

// SubscribeActive returns a fresh stream of change events for whichever
// list is active now and in the future.
func (m *Manager) SubscribeActive() *Subscription {
	return m.notifier.Subscribe()
}

// Create makes a new empty list: a fresh document named inside and out. The
// new list becomes active on success; on any failure the previous state
// holds and the half-made document is abandoned unregistered.
func (m *Manager) Create(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	ctx, cancel, gen := m.beginOp(ctx)
	defer m.endOp(cancel)

	handle, err := m.store.CreateDocument(ctx)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	if err := handle.SetDisplayName(ctx, name); err != nil {
		_ = handle.Close()
		return fmt.Errorf("failed to name document: %w", err)
	}
	if err := m.registry.Register(ctx, name, handle.DocumentID()); err != nil {
		_ = handle.Close()
		return fmt.Errorf("failed to register list %q: %w", name, err)
	}
	slog.Info("created list", "name", name, "doc", handle.DocumentID())
	return m.activate(gen, handle, name)
}

// Open activates a list known to this peer by its local name.
func (m *Manager) Open(ctx context.Context, name string) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	ctx, cancel, gen := m.beginOp(ctx)
	defer m.endOp(cancel)

	docID, err := m.registry.Lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to resolve list %q: %w", name, err)
	}
	handle, err := m.store.OpenDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to open document: %w", err)
	}
	slog.Info("opened list", "name", name, "doc", docID)
	return m.activate(gen, handle, name)
}

// Join redeems a share ticket: it syncs the document from the ticket's
// endpoints, registers it under a local name and activates it. Joining a
// list this peer already knows degenerates to opening the existing entry,
// whatever the ticket's endpoints say.
func (m *Manager) Join(ctx context.Context, encoded string) error {
	t, err := ticket.Decode(encoded)
	if err != nil {
		return err
	}
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	ctx, cancel, gen := m.beginOp(ctx)
	defer m.endOp(cancel)

	name, err := m.registry.NameOf(ctx, t.DocumentID)
	if err == nil {
		handle, err := m.store.OpenDocument(ctx, t.DocumentID)
		if err != nil {
			return fmt.Errorf("failed to open document: %w", err)
		}
		slog.Info("joined already known list", "name", name, "doc", t.DocumentID)
		return m.activate(gen, handle, name)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("failed to check registry: %w", err)
	}

	handle, err := m.store.ConnectAndSync(ctx, t.DocumentID, t.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to sync document: %w", err)
	}
	name = m.deriveName(ctx, handle)
	if err := m.registry.Register(ctx, name, handle.DocumentID()); err != nil {
		_ = handle.Close()
		return fmt.Errorf("failed to register list %q: %w", name, err)
	}
	slog.Info("joined list", "name", name, "doc", handle.DocumentID())
	return m.activate(gen, handle, name)
}

// deriveName picks the local name for a joined list: the synced display
// name when one arrived, a placeholder otherwise, suffixed when the name is
// already taken by another list.
func (m *Manager) deriveName(ctx context.Context, h Handle) string {
	name, err := h.DisplayName(ctx)
	if err == nil {
		name = strings.TrimSpace(name)
	}
	if err != nil || name == "" {
		name = "list-" + shortID(h.DocumentID(), 8)
	}
	if _, err := m.registry.Lookup(ctx, name); err == nil {
		name = name + "-" + shortID(h.DocumentID(), 4)
	}
	return name
}

func shortID(id string, n int) string {
	if len(id) > n {
		return id[:n]
	}
	return id
}

// ReturnToSelector leaves the active list and shows the selector. It always
// succeeds: an in-flight lifecycle operation is abandoned and its late
// result discarded.
func (m *Manager) ReturnToSelector() {
	m.mu.Lock()
	if m.cancelInflight != nil {
		m.cancelInflight()
		m.cancelInflight = nil
	}
	prev := m.active
	m.active = nil
	m.state = State{Mode: ModeSelecting}
	m.generation++
	m.notifier.Detach()
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// Ticket derives a share ticket for the active list.
func (m *Manager) Ticket() (string, error) {
	m.mu.RLock()
	h := m.active
	m.mu.RUnlock()
	if h == nil {
		return "", ErrNoActiveList
	}
	return ticket.Encode(ticket.Ticket{
		DocumentID: h.DocumentID(),
		Endpoints:  m.store.ShareAddrs(h.DocumentID()),
	})
}

// DisplayName reads the active list's replicated display name.
func (m *Manager) DisplayName(ctx context.Context) (string, error) {
	h, err := m.activeHandle()
	if err != nil {
		return "", err
	}
	return h.DisplayName(ctx)
}

// Todos returns the active list's visible items, oldest first.
func (m *Manager) Todos(ctx context.Context) ([]todo.Item, error) {
	h, err := m.activeHandle()
	if err != nil {
		return nil, err
	}
	return h.GetAll(ctx)
}

// Add appends a new todo to the active list and returns it.
func (m *Manager) Add(ctx context.Context, label string) (todo.Item, error) {
	h, err := m.activeHandle()
	if err != nil {
		return todo.Item{}, err
	}
	item, err := todo.New(strings.TrimSpace(label))
	if err != nil {
		return todo.Item{}, err
	}
	if err := h.Put(ctx, item); err != nil {
		return todo.Item{}, fmt.Errorf("failed to store todo: %w", err)
	}
	return item, nil
}

// Toggle flips the done flag of one todo in the active list.
func (m *Manager) Toggle(ctx context.Context, id string) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	item, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Done = !item.Done
	return h.Put(ctx, item)
}

// Update replaces the label of one todo in the active list.
func (m *Manager) Update(ctx context.Context, id string, label string) error {
	label = strings.TrimSpace(label)
	if err := todo.ValidateLabel(label); err != nil {
		return err
	}
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	item, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Label = label
	return h.Put(ctx, item)
}

// Delete tombstones one todo in the active list; merging propagates the
// removal to every peer.
func (m *Manager) Delete(ctx context.Context, id string) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	item, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	item.Deleted = true
	return h.Put(ctx, item)
}

// Close leaves any active list and shuts the notifier down.
func (m *Manager) Close() {
	m.ReturnToSelector()
	m.notifier.Close()
}

func (m *Manager) activeHandle() (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNoActiveList
	}
	return m.active, nil
}

// beginOp arms an in-flight lifecycle operation: a context that
// ReturnToSelector can cancel, and the generation the result must still
// match to be applied.
func (m *Manager) beginOp(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelInflight = cancel
	gen := m.generation
	m.mu.Unlock()
	return ctx, cancel, gen
}

func (m *Manager) endOp(cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancelInflight = nil
	m.mu.Unlock()
	cancel()
}

// activate installs a freshly resolved list as the active one, unless the
// session has moved on since the operation began, in which case the handle
// is discarded and the operation reports cancellation. State is updated
// before the notifier switches feeds, so no event can precede the state it
// describes.
func (m *Manager) activate(gen uint64, h Handle, name string) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		_ = h.Close()
		return context.Canceled
	}
	prev := m.active
	m.active = h
	m.state = State{Mode: ModeViewing, ActiveDocumentID: h.DocumentID(), ActiveName: name}
	m.generation++
	m.notifier.Attach(h.Subscribe())
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}
