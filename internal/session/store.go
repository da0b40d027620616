// Package session persists conversation threads and the
// content-addressed file snapshots that make rollback possible.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snowcoder/snow/pkg/models"
)

// ErrNotFound reports a session id with no file behind it.
var ErrNotFound = errors.New("session not found")

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store keeps sessions as one JSON file each under the per-project
// sessions directory. Writes are atomic; the mutex makes the store the
// single writer, and turns on the same session serialize above this
// layer at loop entry.
type Store struct {
	dir       string
	projectID string
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewStore uses dir as the per-project session directory.
func NewStore(dir, projectID string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		projectID: projectID,
		logger:    logger.With("component", "sessions"),
		now:       time.Now,
	}
}

// Header is the listing view of a session: everything the UI needs to
// render a session picker without loading message bodies.
type Header struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// sessionHeader decodes just the header fields plus raw messages, so
// listing skips materializing message bodies.
type sessionHeader struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Messages  []json.RawMessage `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Create mints a new session.
func (s *Store) Create(title string) (*models.Session, error) {
	now := s.now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Title:     title,
		ProjectID: s.projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads one session in full.
func (s *Store) Get(id string) (*models.Session, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &sess, nil
}

// Save writes the session atomically, bumping UpdatedAt.
func (s *Store) Save(sess *models.Session) error {
	path, err := s.path(sess.ID)
	if err != nil {
		return err
	}
	sess.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// Delete removes a session file. Missing sessions are not an error.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// IDs lists every stored session id.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// ListOptions control pagination and search.
type ListOptions struct {
	Offset int
	Limit  int
	// Query filters by case-insensitive substring over the title and
	// the last user message.
	Query string
}

// List returns headers ordered by UpdatedAt descending, plus the total
// match count before pagination.
func (s *Store) List(opts ListOptions) ([]Header, int, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, 0, err
	}

	headers := make([]Header, 0, len(ids))
	for _, id := range ids {
		h, ok := s.readHeader(id, opts.Query)
		if ok {
			headers = append(headers, h)
		}
	}
	sort.Slice(headers, func(i, j int) bool {
		return headers[i].UpdatedAt.After(headers[j].UpdatedAt)
	})

	total := len(headers)
	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return headers[start:end], total, nil
}

// readHeader loads one listing row; query filtering happens here so a
// search only materializes messages for candidate sessions.
func (s *Store) readHeader(id, query string) (Header, bool) {
	path, err := s.path(id)
	if err != nil {
		return Header{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("unreadable session skipped", "session_id", id, "error", err)
		return Header{}, false
	}
	var hdr sessionHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		s.logger.Warn("corrupt session skipped", "session_id", id, "error", err)
		return Header{}, false
	}

	if query != "" && !matchesQuery(&hdr, query) {
		return Header{}, false
	}
	return Header{
		ID:           hdr.ID,
		Title:        hdr.Title,
		MessageCount: len(hdr.Messages),
		CreatedAt:    hdr.CreatedAt,
		UpdatedAt:    hdr.UpdatedAt,
	}, true
}

func matchesQuery(hdr *sessionHeader, query string) bool {
	query = strings.ToLower(query)
	if strings.Contains(strings.ToLower(hdr.Title), query) {
		return true
	}
	return strings.Contains(strings.ToLower(lastUserContent(hdr.Messages)), query)
}

// lastUserContent decodes messages from the tail until it finds the
// last user turn.
func lastUserContent(raw []json.RawMessage) string {
	for i := len(raw) - 1; i >= 0; i-- {
		var m struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw[i], &m); err != nil {
			continue
		}
		if m.Role == string(models.RoleUser) {
			return m.Content
		}
	}
	return ""
}

func (s *Store) path(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// writeFileAtomic stages the payload next to the target and renames it
// into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
