package docstore

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/todosync/pkg/session"
)

// Handler returns the HTTP surface other peers sync documents from.
//
// A document id works as the sharing capability here: anyone who holds it,
// usually via a ticket, may sync the document. Ids are unguessable uuids.
func (s *Store) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled request", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	router.Methods(http.MethodGet).Path("/docs/{doc}/latest").HandlerFunc(s.getLatest)
	router.Methods(http.MethodGet).Path("/docs/{doc}/sync").HandlerFunc(s.syncDoc)
	return router
}

// getLatest serves the current snapshot of a document as a single automerge
// save, handy for debugging and one-shot exports.
func (s *Store) getLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	d, err := s.getOrLoadDocument(request.Context(), vars["doc"])
	if err != nil {
		if errors.Is(err, session.ErrDocumentUnavailable) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to load document", "doc", vars["doc"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(d.save()); err != nil {
		slog.Error("failed to write out document", "doc", d.id, "err", err)
	}
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// syncDoc upgrades to a websocket and runs the serving side of the sync
// protocol until the peer goes away.
func (s *Store) syncDoc(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	d, err := s.getOrLoadDocument(request.Context(), vars["doc"])
	if err != nil {
		if errors.Is(err, session.ErrDocumentUnavailable) {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		slog.Error("failed to load document", "doc", vars["doc"], "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "doc", d.id, "err", err)
		return
	}
	s.servePump(request.Context(), conn, d)
}

// servePump is the serving half of one sync connection: a reader applying
// whatever the peer sends, and a writer draining pending messages on a
// tick. Either side failing tears both down.
func (s *Store) servePump(ctx context.Context, conn *websocket.Conn, d *document) {
	state := d.newSyncState()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				slog.Debug("sync connection closed", "doc", d.id, "err", err)
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			changed, err := d.receiveSyncMessage(state, payload)
			if err != nil {
				slog.Error("failed to apply sync message", "doc", d.id, "err", err)
				return
			}
			if changed {
				d.changed(true)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			for _, payload := range d.generateSyncMessages(state) {
				if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	wg.Wait()
}
