// Package todo defines the items that make up a shared todo list.
//
// Items are replicated as whole records: every mutation writes a complete
// record under the same id, and removals write a tombstone rather than
// deleting the key so that the removal wins when concurrent edits merge.
package todo

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxLabelLength is the longest label an item may carry.
const MaxLabelLength = 2000

var (
	ErrEmptyLabel   = errors.New("label is empty")
	ErrLabelTooLong = fmt.Errorf("label is longer than %d characters", MaxLabelLength)
	ErrMissingID    = errors.New("item has no id")
)

// Item is a single entry in a shared todo list.
type Item struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Done  bool   `json:"done"`
	// Deleted marks the item as removed. Tombstoned items stay in the
	// document so the deletion propagates to every peer.
	Deleted bool `json:"is_delete"`
	// Created is the creation time in microseconds since the unix epoch.
	Created int64 `json:"created"`
}

// New builds a fresh item for the given label with a generated id and the
// current creation time.
func New(label string) (Item, error) {
	if err := ValidateLabel(label); err != nil {
		return Item{}, err
	}
	return Item{
		ID:      uuid.NewString(),
		Label:   label,
		Created: time.Now().UnixMicro(),
	}, nil
}

// ValidateLabel checks that a label is present and within bounds.
func ValidateLabel(label string) error {
	if label == "" {
		return ErrEmptyLabel
	}
	if len(label) > MaxLabelLength {
		return ErrLabelTooLong
	}
	return nil
}

// Validate checks the fields that must hold before an item is written into
// a list.
func (i Item) Validate() error {
	if i.ID == "" {
		return ErrMissingID
	}
	return ValidateLabel(i.Label)
}

// Sort orders items the way lists display them: oldest first, ties broken
// by id so the order is stable across peers.
func Sort(items []Item) {
	sort.Slice(items, func(a, b int) bool {
		if items[a].Created != items[b].Created {
			return items[a].Created < items[b].Created
		}
		return items[a].ID < items[b].ID
	})
}
