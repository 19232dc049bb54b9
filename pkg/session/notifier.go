package session

import (
	"context"
	"sync"
	"time"
)

// DefaultCoalesceWindow bounds how often change events are emitted: at most
// one per window, however many raw document changes arrive inside it.
const DefaultCoalesceWindow = 50 * time.Millisecond

// Event tells a subscriber that the active list changed. It carries no
// payload: consumers re-read whatever they display.
type Event struct{}

// Subscription is one consumer's change feed. Events is closed when the
// subscription or the notifier is closed.
type Subscription struct {
	Events <-chan Event

	events    chan Event
	notifier  *Notifier
	closeOnce sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { s.notifier.remove(s) })
}

// Notifier fans coalesced change events out to subscribers. It is fed by at
// most one raw document feed at a time: attaching a new document detaches
// the previous one first, so subscribers never hear about a list the session
// has left.
type Notifier struct {
	window time.Duration

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	detach context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier builds a notifier emitting at most one event per window.
func NewNotifier(window time.Duration) *Notifier {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Notifier{window: window, subs: map[*Subscription]struct{}{}}
}

// Subscribe returns a fresh event stream. The channel is buffered by one:
// because events are payloadless refresh hints, a slow consumer misses
// nothing it could still act on.
func (n *Notifier) Subscribe() *Subscription {
	s := &Subscription{events: make(chan Event, 1), notifier: n}
	s.Events = s.events
	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	return s
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[s]; ok {
		delete(n.subs, s)
		close(s.events)
	}
}

// Attach switches the raw feed driving subscribers. The previous feed is
// detached first: events for the old document stop before any event for the
// new one is delivered.
func (n *Notifier) Attach(raw RawSubscription) {
	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	if n.detach != nil {
		n.detach()
	}
	n.detach = cancel
	n.mu.Unlock()
	n.wg.Add(1)
	go n.pump(ctx, raw)
}

// Detach stops event delivery entirely, used when the session returns to
// the selector.
func (n *Notifier) Detach() {
	n.mu.Lock()
	if n.detach != nil {
		n.detach()
		n.detach = nil
	}
	n.mu.Unlock()
}

// Close detaches the raw feed and closes every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.detach != nil {
		n.detach()
		n.detach = nil
	}
	for s := range n.subs {
		delete(n.subs, s)
		close(s.events)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// pump reads one raw feed and emits coalesced events: one on the leading
// raw change, then at most one per window while changes keep arriving.
func (n *Notifier) pump(ctx context.Context, raw RawSubscription) {
	defer n.wg.Done()
	defer raw.Close()
	for {
		select {
		case _, ok := <-raw.Events:
			if !ok {
				return
			}
			n.broadcast(ctx)
			if !n.absorb(ctx, raw) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// absorb soaks up raw changes window by window, emitting once per busy
// window, until a window passes with no changes at all. It reports false
// when the feed or context ended.
func (n *Notifier) absorb(ctx context.Context, raw RawSubscription) bool {
	for {
		timer := time.NewTimer(n.window)
		pending := false
	window:
		for {
			select {
			case _, ok := <-raw.Events:
				if !ok {
					timer.Stop()
					return false
				}
				pending = true
			case <-timer.C:
				break window
			case <-ctx.Done():
				timer.Stop()
				return false
			}
		}
		if !pending {
			return true
		}
		n.broadcast(ctx)
	}
}

func (n *Notifier) broadcast(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ctx.Err() != nil {
		// detached while absorbing, stay silent
		return
	}
	for s := range n.subs {
		select {
		case s.events <- Event{}:
		default:
		}
	}
}
