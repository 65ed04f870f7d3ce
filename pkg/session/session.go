package session

import "sync"

// Mode is the conversational state of one sender.
type Mode int

const (
	// Idle is the default: button taps run fixed commands, plain text
	// gets a usage hint.
	Idle Mode = iota
	// AwaitingManualCommand means the sender's next plain text message is
	// executed verbatim as a shell command.
	AwaitingManualCommand
)

func (m Mode) String() string {
	switch m {
	case AwaitingManualCommand:
		return "awaiting_manual"
	default:
		return "idle"
	}
}

// Tracker keeps one independent mode per sender identity. Entries are
// created lazily on first interaction and live for the process lifetime;
// nothing is persisted, so a restart resets every sender to Idle.
//
// The dispatcher serializes events per sender, so mode transitions for one
// sender never race each other; the mutex here only makes the map safe for
// different senders dispatching in parallel.
type Tracker struct {
	mu    sync.RWMutex
	modes map[string]Mode
}

func NewTracker() *Tracker {
	return &Tracker{modes: make(map[string]Mode)}
}

// Mode returns the sender's current mode, Idle for unseen senders.
func (t *Tracker) Mode(senderID string) Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.modes[senderID]
}

// SetMode replaces the sender's mode.
func (t *Tracker) SetMode(senderID string, mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modes[senderID] = mode
}
