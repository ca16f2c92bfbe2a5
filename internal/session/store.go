package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// ErrSessionNotFound is returned when no session exists for an id.
var ErrSessionNotFound = errors.New("session not found")

// titleMaxRunes bounds titles derived from the first user message.
const titleMaxRunes = 50

// Store persists sessions one JSON file per session under a directory.
// Writes go through a temp file and rename, so a crash never leaves a torn
// session file. All operations are safe for concurrent use.
type Store struct {
	dir string
	log *logger.Logger
	mu  sync.Mutex
}

// NewStore creates the directory if needed and returns a store over it.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Create makes a new session. An empty title defaults to "New Chat".
func (s *Store) Create(title string) (*Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	now := nowSeconds()
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// Save writes the session as-is. Callers control updated_at.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(sess)
}

// List returns summaries of all sessions, most recently updated first.
// Files that fail to decode are logged and skipped rather than failing the
// whole listing.
func (s *Store) List() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sess, err := s.load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.WithError(err).Warn("skipping unreadable session file",
				zap.String("file", name))
			continue
		}
		summaries = append(summaries, sess.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt > summaries[j].UpdatedAt
	})
	return summaries, nil
}

// Delete removes a session file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// AppendMessage appends one message and bumps updated_at. When the session
// still has the default title and the message is a non-empty user message,
// the title becomes the message's first 50 characters. This is the only
// operation that mutates a stored transcript.
func (s *Store) AppendMessage(id string, msg Message) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}

	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = nowSeconds()

	if sess.Title == DefaultTitle && msg.Role == RoleUser {
		if derived := deriveTitle(msg.Content); derived != "" {
			sess.Title = derived
		}
	}

	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Rename sets the title and bumps updated_at.
func (s *Store) Rename(id, title string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	sess.Title = title
	sess.UpdatedAt = nowSeconds()
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetOrCreateDefault returns the most recently updated session, creating a
// fresh one when none exist.
func (s *Store) GetOrCreateDefault() (*Session, error) {
	summaries, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(summaries) > 0 {
		return s.Get(summaries[0].ID)
	}
	return s.Create(DefaultTitle)
}

// deriveTitle trims the message and truncates to the title budget.
func deriveTitle(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= titleMaxRunes {
		return trimmed
	}
	return string(runes[:titleMaxRunes]) + "..."
}

// path validates the id and returns the session file path. Ids come from
// request paths, so anything resembling a path component is rejected.
func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", ErrSessionNotFound
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// load reads and decodes one session. Callers hold the mutex.
func (s *Store) load(id string) (*Session, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// write encodes and atomically replaces the session file. Callers hold the
// mutex.
func (s *Store) write(sess *Session) error {
	path, err := s.path(sess.ID)
	if err != nil {
		return fmt.Errorf("invalid session id %q", sess.ID)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, sess.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace session %s: %w", sess.ID, err)
	}
	return nil
}
