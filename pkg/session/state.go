package session

import "fmt"

// Mode says whether the session is choosing a list or viewing one.
type Mode int

const (
	// ModeSelecting means no list is active and the selector is showing.
	ModeSelecting Mode = iota
	// ModeViewing means one list is active and its items are on screen.
	ModeViewing
)

func (m Mode) String() string {
	switch m {
	case ModeSelecting:
		return "selecting"
	case ModeViewing:
		return "viewing"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the session's current position: which list is active and under
// what local name. Viewing always implies a non-empty ActiveDocumentID.
type State struct {
	Mode             Mode
	ActiveDocumentID string
	ActiveName       string
}
