package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/automerge/automerge-go"
)

const (
	// initialSyncLimit bounds how long a join waits for the first exchange
	// to settle before handing the document over anyway.
	initialSyncLimit = 5 * time.Second
	// liveSyncLimit bounds one round of the background sync loop.
	liveSyncLimit = 15 * time.Second
	// quietRead is how long an exchange waits for the peer before deciding
	// both sides have settled.
	quietRead = time.Second
)

// dialSync opens a websocket to one peer's sync endpoint for a document.
func dialSync(ctx context.Context, endpoint string, docID string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: endpoint, Path: "/docs/" + docID + "/sync"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// exchange runs one bounded sync conversation over an open connection:
// write everything pending, read until the peer goes quiet, repeat. It
// returns once a whole quiet period passes, treating that as both sides
// having settled.
func (d *document) exchange(ctx context.Context, conn *websocket.Conn, state *automerge.SyncState, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, payload := range d.generateSyncMessages(state) {
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return fmt.Errorf("failed to write sync message: %w", err)
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(quietRead))
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// quiet, nothing moved for a whole read window
				return nil
			}
			return fmt.Errorf("failed to read sync message: %w", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		changed, err := d.receiveSyncMessage(state, payload)
		if err != nil {
			return err
		}
		if changed {
			d.changed(true)
		}
	}
	return nil
}

// ensureSyncer starts the live sync loop for a document that has known
// peers, once.
func (s *Store) ensureSyncer(d *document) {
	if len(d.peerList()) == 0 {
		return
	}
	s.mu.Lock()
	if s.syncing[d.id] {
		s.mu.Unlock()
		return
	}
	s.syncing[d.id] = true
	s.mu.Unlock()
	s.wg.Add(1)
	go s.liveSync(d)
}

// liveSync keeps one document converging with its known peers: every tick,
// and sooner when a local change kicks it, it dials each peer and runs one
// exchange. Connections are not held open between rounds, so a dead peer
// costs one failed dial per tick.
func (s *Store) liveSync(d *document) {
	defer s.wg.Done()
	slog.Info("live sync started", "doc", d.id)
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-d.kick:
		case <-s.ctx.Done():
			return
		}
		for _, endpoint := range d.peerList() {
			if s.ctx.Err() != nil {
				return
			}
			if err := s.syncOnce(d, endpoint); err != nil {
				slog.Debug("sync round failed", "doc", d.id, "endpoint", endpoint, "err", err)
			}
		}
	}
}

func (s *Store) syncOnce(d *document, endpoint string) error {
	ctx, cancel := context.WithTimeout(s.ctx, liveSyncLimit)
	defer cancel()
	conn, err := dialSync(ctx, endpoint, d.id)
	if err != nil {
		return err
	}
	defer conn.Close()
	return d.exchange(ctx, conn, d.newSyncState(), liveSyncLimit)
}
