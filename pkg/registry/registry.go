// Package registry keeps the durable mapping from local list names to
// replicated document ids on this peer.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound          = errors.New("list name not registered")
	ErrDuplicateName     = errors.New("list name already registered to a different document")
	ErrDuplicateDocument = errors.New("document already registered under a different name")
)

// Registry is a sqlite backed name table. Writes are serialized so the
// uniqueness invariants hold under concurrent lifecycle operations.
type Registry struct {
	mu sync.Mutex
	db *sql.DB
}

// New ensures the backing table exists and returns the registry.
func New(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS lists (
		name   text not null primary key,
		doc_id text not null unique
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to ensure lists table: %w", err)
	}
	return &Registry{db: db}, nil
}

// Register binds name to docID and makes the entry durable before it
// returns. Registering the identical pair again is a no-op. A name bound to
// another document fails with ErrDuplicateName, and a document already named
// locally fails with ErrDuplicateDocument; neither changes the table.
func (r *Registry) Register(ctx context.Context, name string, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingDoc string
	err = tx.QueryRowContext(ctx, `SELECT doc_id FROM lists WHERE name = ?`, name).Scan(&existingDoc)
	switch {
	case err == nil:
		if existingDoc == docID {
			return nil
		}
		return ErrDuplicateName
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to query name: %w", err)
	}

	var existingName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM lists WHERE doc_id = ?`, docID).Scan(&existingName)
	switch {
	case err == nil:
		return ErrDuplicateDocument
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to query document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO lists (name, doc_id) VALUES (?, ?)`, name, docID); err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entry: %w", err)
	}
	return nil
}

// Lookup resolves a list name to its document id.
func (r *Registry) Lookup(ctx context.Context, name string) (string, error) {
	var docID string
	err := r.db.QueryRowContext(ctx, `SELECT doc_id FROM lists WHERE name = ?`, name).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to query name: %w", err)
	}
	return docID, nil
}

// NameOf is the reverse lookup: the local name a document is registered
// under.
func (r *Registry) NameOf(ctx context.Context, docID string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM lists WHERE doc_id = ?`, docID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to query document: %w", err)
	}
	return name, nil
}

// Names returns every registered list name, oldest registration first.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM lists ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read names: %w", err)
	}
	return names, nil
}
