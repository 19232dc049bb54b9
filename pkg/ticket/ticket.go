// Package ticket encodes and decodes the share strings that hand a
// replicated list from one peer to another over any plain text channel.
package ticket

import (
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// A Ticket names a replicated document and the endpoints a stranger can
// dial to fetch it. It carries no list content.
type Ticket struct {
	DocumentID string   `json:"document_id"`
	Endpoints  []string `json:"endpoints"`
}

// version prefixes every encoded ticket so the format can evolve.
const version = 0x01

var (
	ErrMalformed    = errors.New("malformed ticket")
	ErrNoDocumentID = errors.New("ticket has no document id")
	ErrNoEndpoints  = errors.New("ticket has no endpoints")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode serializes the ticket into a single lowercase token with no
// whitespace or padding, safe to paste through chat and email.
func Encode(t Ticket) (string, error) {
	if t.DocumentID == "" {
		return "", ErrNoDocumentID
	}
	if len(t.Endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ticket: %w", err)
	}
	framed := make([]byte, 0, len(payload)+5)
	framed = append(framed, version)
	framed = binary.BigEndian.AppendUint32(framed, crc32.ChecksumIEEE(payload))
	framed = append(framed, payload...)
	return strings.ToLower(encoding.EncodeToString(framed)), nil
}

// Decode parses a ticket produced by Encode. Anything that does not round
// trip through the format fails with ErrMalformed rather than yielding a
// partial ticket.
func Decode(s string) (Ticket, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 5 {
		return Ticket{}, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	if raw[0] != version {
		return Ticket{}, fmt.Errorf("%w: unknown version %d", ErrMalformed, raw[0])
	}
	payload := raw[5:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(raw[1:5]) {
		return Ticket{}, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}
	var t Ticket
	if err := json.Unmarshal(payload, &t); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if t.DocumentID == "" || len(t.Endpoints) == 0 {
		return Ticket{}, fmt.Errorf("%w: incomplete", ErrMalformed)
	}
	return t, nil
}
