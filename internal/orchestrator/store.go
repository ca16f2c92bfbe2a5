package orchestrator

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run session id has no stored state.
var ErrRunNotFound = errors.New("run not found")

// NewRunID mints a run session id.
func NewRunID() string {
	u := uuid.New()
	return "session-" + hex.EncodeToString(u[:])[:12]
}

// Layout maps run sessions to their on-disk directories. Every session owns
// workspace/<id>/ under the base dir, with state, cycle outputs, and the
// run log in fixed subdirectories. The session dir doubles as the default
// working directory for the session's agents.
type Layout struct {
	BaseDir string
}

// SessionDir returns the session's workspace directory.
func (l Layout) SessionDir(id string) string {
	return filepath.Join(l.BaseDir, "workspace", id)
}

// StatePath returns the session state file.
func (l Layout) StatePath(id string) string {
	return filepath.Join(l.SessionDir(id), "state", "session.json")
}

// CyclePath returns the record file for one cycle.
func (l Layout) CyclePath(id string, cycleIndex int) string {
	return filepath.Join(l.SessionDir(id), "outputs", fmt.Sprintf("cycle_%04d.json", cycleIndex))
}

// LogPath returns the session's append-only run log.
func (l Layout) LogPath(id string) string {
	return filepath.Join(l.SessionDir(id), "logs", "events.log")
}

// Ensure creates the session's directory tree.
func (l Layout) Ensure(id string) error {
	for _, dir := range []string{
		filepath.Dir(l.StatePath(id)),
		filepath.Dir(l.CyclePath(id, 1)),
		filepath.Dir(l.LogPath(id)),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Store persists run state, per-cycle records, and the run log.
type Store struct {
	layout Layout
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{layout: Layout{BaseDir: baseDir}}
}

// Workspace returns the session's workspace directory.
func (s *Store) Workspace(id string) string {
	return s.layout.SessionDir(id)
}

// SaveState writes the session state to state/session.json.
func (s *Store) SaveState(state *RunState) error {
	if err := s.layout.Ensure(state.SessionID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := os.WriteFile(s.layout.StatePath(state.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

// LoadState reads a session's state. ErrRunNotFound when none is stored.
func (s *Store) LoadState(id string) (*RunState, error) {
	data, err := os.ReadFile(s.layout.StatePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse run state %s: %w", id, err)
	}
	return &state, nil
}

// SaveCycle writes one cycle record to outputs/cycle_NNNN.json.
func (s *Store) SaveCycle(id string, rec *CycleRecord) error {
	if err := s.layout.Ensure(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cycle record: %w", err)
	}
	if err := os.WriteFile(s.layout.CyclePath(id, rec.CycleIndex), data, 0o644); err != nil {
		return fmt.Errorf("write cycle record: %w", err)
	}
	return nil
}

// AppendLog appends one line to the session's run log.
func (s *Store) AppendLog(id, line string) error {
	if err := s.layout.Ensure(id); err != nil {
		return err
	}
	f, err := os.OpenFile(s.layout.LogPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.TrimRight(line, " \t\r\n") + "\n"); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}
