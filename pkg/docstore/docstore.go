// Package docstore keeps the replicated list documents on one peer:
// automerge docs cached in memory, snapshotted into sqlite, served to other
// peers over websockets and live-synced from the peers a list was joined
// from. It implements the session layer's Store contract.
package docstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/todosync/pkg/session"
)

const (
	defaultSyncInterval  = time.Second
	defaultFlushInterval = 5 * time.Second
)

// Store owns every document on this peer.
type Store struct {
	db    *sql.DB
	actor string

	advertise     []string
	syncInterval  time.Duration
	flushInterval time.Duration

	mu      sync.Mutex
	docs    map[string]*document
	syncing map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts a Store.
type Option func(*Store)

// WithAdvertiseAddrs sets the endpoints written into share tickets for
// documents held here.
func WithAdvertiseAddrs(addrs ...string) Option {
	return func(s *Store) { s.advertise = append([]string{}, addrs...) }
}

// WithSyncInterval paces the live sync loops.
func WithSyncInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.syncInterval = d
		}
	}
}

// WithFlushInterval paces the sqlite snapshot loop.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// OpenDB opens the peer's sqlite database, or an in-memory one when path is
// empty. The single connection keeps in-memory databases alive and
// serializes writers.
func OpenDB(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// New builds a store over the given database and starts its snapshot loop.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS documents (
		id      text not null primary key,
		content text not null
		)`,
		`CREATE TABLE IF NOT EXISTS peers (
		doc_id   text not null,
		endpoint text not null,
		PRIMARY KEY (doc_id, endpoint)
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to ensure tables: %w", err)
		}
	}
	actor := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		db:            db,
		actor:         hex.EncodeToString(actor[:]),
		syncInterval:  defaultSyncInterval,
		flushInterval: defaultFlushInterval,
		docs:          map[string]*document{},
		syncing:       map[string]bool{},
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Close stops the background loops and snapshots every live document.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.flushAll(context.Background())
	return nil
}

// CreateDocument makes a fresh empty list document held only by this peer.
func (s *Store) CreateDocument(ctx context.Context) (session.Handle, error) {
	doc := automerge.New()
	_ = doc.SetActorID(s.actor)
	d := newDocument(uuid.NewString(), doc)
	s.mu.Lock()
	s.docs[d.id] = d
	s.mu.Unlock()
	slog.Info("created document", "doc", d.id)
	return &handle{d: d}, nil
}

// OpenDocument materializes a known document from the cache or the sqlite
// snapshot, and resumes live sync when it has known peers.
func (s *Store) OpenDocument(ctx context.Context, docID string) (session.Handle, error) {
	d, err := s.getOrLoadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	s.ensureSyncer(d)
	return &handle{d: d}, nil
}

// ConnectAndSync dials the given endpoints in order and pulls docID from the
// first reachable one, waiting for the initial exchange to settle so the
// caller sees the synced content straight away. The endpoints become the
// document's known peers for live sync.
func (s *Store) ConnectAndSync(ctx context.Context, docID string, endpoints []string) (session.Handle, error) {
	var conn *websocket.Conn
	for _, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := dialSync(ctx, endpoint, docID)
		if err != nil {
			slog.Info("endpoint unreachable", "doc", docID, "endpoint", endpoint, "err", err)
			continue
		}
		conn = c
		break
	}
	if conn == nil {
		return nil, session.ErrUnreachablePeers
	}
	defer conn.Close()

	d, err := s.getOrLoadDocument(ctx, docID)
	if errors.Is(err, session.ErrDocumentUnavailable) {
		doc := automerge.New()
		_ = doc.SetActorID(s.actor)
		d = s.adoptDocument(newDocument(docID, doc))
	} else if err != nil {
		return nil, err
	}
	s.rememberPeers(ctx, d, endpoints)

	if err := d.exchange(ctx, conn, d.newSyncState(), initialSyncLimit); err != nil {
		slog.Info("initial sync incomplete", "doc", docID, "err", err)
	}
	s.ensureSyncer(d)
	return &handle{d: d}, nil
}

// ShareAddrs reports the endpoints another peer could use to fetch docID:
// this peer's own advertised addresses plus the peers the document is known
// to live on.
func (s *Store) ShareAddrs(docID string) []string {
	out := append([]string{}, s.advertise...)
	s.mu.Lock()
	d, ok := s.docs[docID]
	s.mu.Unlock()
	if ok {
		for _, p := range d.peerList() {
			known := false
			for _, a := range out {
				if a == p {
					known = true
					break
				}
			}
			if !known {
				out = append(out, p)
			}
		}
	}
	return out
}

// getOrLoadDocument returns the cached document or loads its latest sqlite
// snapshot, failing with session.ErrDocumentUnavailable when neither exists.
func (s *Store) getOrLoadDocument(ctx context.Context, docID string) (*document, error) {
	s.mu.Lock()
	if d, ok := s.docs[docID]; ok {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	doc, err := LoadSaved(ctx, s.db, docID)
	if err != nil {
		return nil, err
	}
	_ = doc.SetActorID(s.actor)
	d := newDocument(docID, doc)

	rows, err := s.db.QueryContext(ctx, `SELECT endpoint FROM peers WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to query peers: %w", err)
	}
	defer rows.Close()
	var peers []string
	for rows.Next() {
		var endpoint string
		if err := rows.Scan(&endpoint); err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		peers = append(peers, endpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read peers: %w", err)
	}
	d.addPeers(peers)
	return s.adoptDocument(d), nil
}

// adoptDocument caches a document, keeping the existing entry if another
// goroutine loaded it first.
func (s *Store) adoptDocument(d *document) *document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.docs[d.id]; ok {
		return existing
	}
	s.docs[d.id] = d
	return d
}

// LoadSaved loads a document's latest snapshot straight from the database,
// without going through a running store.
func LoadSaved(ctx context.Context, db *sql.DB, docID string) (*automerge.Doc, error) {
	var content string
	err := db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = ?`, docID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrDocumentUnavailable
	} else if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return doc, nil
}

// rememberPeers records new endpoints for a document, both in memory and in
// the peers table so sync resumes across restarts.
func (s *Store) rememberPeers(ctx context.Context, d *document, endpoints []string) {
	for _, endpoint := range d.addPeers(endpoints) {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO peers (doc_id, endpoint) VALUES (?, ?) ON CONFLICT (doc_id, endpoint) DO NOTHING`,
			d.id, endpoint,
		); err != nil {
			slog.Error("failed to persist peer", "doc", d.id, "endpoint", endpoint, "err", err)
		}
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushAll(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// flushAll snapshots every cached document whose content moved since the
// last flush.
func (s *Store) flushAll(ctx context.Context) {
	s.mu.Lock()
	docs := make([]*document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()
	for _, d := range docs {
		content := base64.StdEncoding.EncodeToString(d.save())
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (id, content) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
			d.id, content,
		)
		if err != nil {
			slog.Error("failed to snapshot document", "doc", d.id, "err", err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			slog.Info("snapshotted document", "doc", d.id, "bytes", len(content))
		}
	}
}
