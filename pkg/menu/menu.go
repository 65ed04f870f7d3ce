package menu

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/teledeck/teledeck/pkg/logger"
)

// Command is one entry of the command table. Exactly one of Exec / Manual
// is set: Exec entries run a fixed shell command, Manual entries prompt
// the sender for freeform input.
type Command struct {
	Title  string `json:"title"`
	Exec   string `json:"exec,omitempty"`
	Manual bool   `json:"manual,omitempty"`
}

// Snapshot is one immutable, validated menu configuration. A snapshot is
// never mutated after Load returns it; reload builds a fresh one and swaps
// the pointer, so in-flight dispatches keep a consistent view.
type Snapshot struct {
	Title    string
	Rows     [][]string
	Commands map[string]Command
}

// Lookup resolves a command key against the table.
func (s *Snapshot) Lookup(key string) (Command, bool) {
	cmd, ok := s.Commands[key]
	return cmd, ok
}

// ValidationError reports why a menu document was rejected. The previous
// snapshot stays active when reload returns one.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid menu: %s", e.Reason)
	}
	return fmt.Sprintf("invalid menu: %q: %s", e.Key, e.Reason)
}

type document struct {
	UI struct {
		Title string     `json:"title"`
		Rows  [][]string `json:"rows"`
	} `json:"ui"`
	Commands map[string]Command `json:"commands"`
}

// Load reads and validates the menu document at path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse menu %s: %w", path, err)
	}

	snap := &Snapshot{
		Title:    doc.UI.Title,
		Rows:     doc.UI.Rows,
		Commands: doc.Commands,
	}
	if snap.Title == "" {
		snap.Title = "Menu"
	}
	if snap.Commands == nil {
		snap.Commands = map[string]Command{}
	}

	if err := validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func validate(s *Snapshot) error {
	for key, cmd := range s.Commands {
		if key == "" {
			return &ValidationError{Reason: "empty command key"}
		}
		if cmd.Title == "" {
			return &ValidationError{Key: key, Reason: "missing title"}
		}
		if cmd.Manual && cmd.Exec != "" {
			return &ValidationError{Key: key, Reason: "has both exec and manual"}
		}
		if !cmd.Manual && cmd.Exec == "" {
			return &ValidationError{Key: key, Reason: "needs either exec or manual"}
		}
	}
	for _, row := range s.Rows {
		for _, key := range row {
			if _, ok := s.Commands[key]; !ok {
				return &ValidationError{Key: key, Reason: "button references undefined command"}
			}
		}
	}
	return nil
}

// Store holds the active menu snapshot and reloads it on demand. Readers
// never block: Active is a single atomic pointer load, and Reload swaps
// the pointer only after the replacement document validated.
type Store struct {
	path   string
	active atomic.Pointer[Snapshot]
}

// NewStore loads the document at path and fails if it is invalid; the
// process must not start without a working menu.
func NewStore(path string) (*Store, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path}
	st.active.Store(snap)
	return st, nil
}

// Active returns the current snapshot.
func (st *Store) Active() *Snapshot {
	return st.active.Load()
}

// Reload re-reads the document. On validation failure the previous
// snapshot stays active and the error is returned for display.
func (st *Store) Reload() (*Snapshot, error) {
	snap, err := Load(st.path)
	if err != nil {
		logger.WarnCF("menu", "Reload rejected, keeping previous menu", map[string]any{
			"path":  st.path,
			"error": err.Error(),
		})
		return nil, err
	}
	st.active.Store(snap)
	logger.InfoCF("menu", "Menu reloaded", map[string]any{
		"commands": len(snap.Commands),
		"rows":     len(snap.Rows),
	})
	return snap, nil
}
