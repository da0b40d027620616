package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Snapshots is a content-addressed blob store plus a per-session index
// mapping (messageIndex, path) to a content hash. The first time a
// session touches a path the pre-write content is recorded at index 0
// as the baseline; every tool batch then records the post-write state
// at the batch's message index, so rollback can walk to the newest
// state strictly before the target.
type Snapshots struct {
	dir     string
	workDir string
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// Entry is one index row. An empty Hash means the path did not exist
// at that point.
type Entry struct {
	MessageIndex int       `json:"messageIndex"`
	Path         string    `json:"path"`
	Hash         string    `json:"hash,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

type index struct {
	Entries []Entry `json:"entries"`
}

// FileRollback describes what Rollback did to one file.
type FileRollback struct {
	Path   string `json:"path"`
	Action string `json:"action"` // restored or deleted
}

// Preview pairs a file's current content with the content a rollback
// to TargetIndex would restore. Exists flags distinguish empty files
// from absent ones.
type Preview struct {
	Path           string `json:"path"`
	Current        []byte `json:"current,omitempty"`
	CurrentExists  bool   `json:"currentExists"`
	Snapshot       []byte `json:"snapshot,omitempty"`
	SnapshotExists bool   `json:"snapshotExists"`
	SnapshotIndex  int    `json:"snapshotIndex"`
}

// SweepStats reports what a garbage-collection pass removed.
type SweepStats struct {
	IndexesRemoved int
	BlobsRemoved   int
}

// NewSnapshots stores blobs and indexes under dir; relative snapshot
// paths resolve against workDir.
func NewSnapshots(dir, workDir string, logger *slog.Logger) *Snapshots {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshots{
		dir:     dir,
		workDir: workDir,
		logger:  logger.With("component", "snapshots"),
		now:     time.Now,
	}
}

// RecordBaseline captures the current content of any path the session
// has never snapshotted, keyed at index 0. Called before a tool batch
// runs so the pre-write state survives the writes.
func (s *Snapshots) RecordBaseline(sessionID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(idx.Entries))
	for _, e := range idx.Entries {
		known[e.Path] = true
	}

	var fresh []string
	for _, p := range paths {
		if rel := s.relativize(p); !known[rel] {
			known[rel] = true
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	return s.record(sessionID, idx, 0, fresh)
}

// Record captures the current content of paths at messageIndex.
func (s *Snapshots) Record(sessionID string, messageIndex int, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return err
	}
	return s.record(sessionID, idx, messageIndex, paths)
}

func (s *Snapshots) record(sessionID string, idx *index, messageIndex int, paths []string) error {
	now := s.now()
	for _, p := range paths {
		entry := Entry{
			MessageIndex: messageIndex,
			Path:         s.relativize(p),
			RecordedAt:   now,
		}
		content, err := os.ReadFile(s.resolve(p))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Absent is a recordable state: restoring it deletes the file.
		case err != nil:
			s.logger.Warn("snapshot read failed", "path", p, "error", err)
			continue
		default:
			hash, err := s.writeBlob(content)
			if err != nil {
				return err
			}
			entry.Hash = hash
		}
		idx.Entries = append(idx.Entries, entry)
	}
	return s.saveIndex(sessionID, idx)
}

// Rollback restores every file written at or after targetIndex to its
// newest snapshot strictly before it, deleting files with no earlier
// state. Index entries at or after targetIndex are dropped so the
// abandoned future cannot be restored later.
func (s *Snapshots) Rollback(sessionID string, targetIndex int) ([]FileRollback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return nil, err
	}

	touched := make(map[string]bool)
	for _, e := range idx.Entries {
		if e.MessageIndex >= targetIndex {
			touched[e.Path] = true
		}
	}
	paths := make([]string, 0, len(touched))
	for p := range touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var rolled []FileRollback
	for _, p := range paths {
		prior, ok := latestBefore(idx.Entries, p, targetIndex)
		if ok && prior.Hash != "" {
			content, err := s.readBlob(prior.Hash)
			if err != nil {
				s.logger.Warn("snapshot blob unreadable, file left alone",
					"path", p, "hash", prior.Hash, "error", err)
				continue
			}
			if err := s.restoreFile(p, content); err != nil {
				s.logger.Warn("snapshot restore failed", "path", p, "error", err)
				continue
			}
			rolled = append(rolled, FileRollback{Path: p, Action: "restored"})
			continue
		}
		if err := os.Remove(s.resolve(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("rollback delete failed", "path", p, "error", err)
			continue
		}
		rolled = append(rolled, FileRollback{Path: p, Action: "deleted"})
	}

	kept := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.MessageIndex < targetIndex {
			kept = append(kept, e)
		}
	}
	idx.Entries = kept
	if err := s.saveIndex(sessionID, idx); err != nil {
		return rolled, err
	}
	return rolled, nil
}

// PreviewRollback shows what Rollback would do to one path.
func (s *Snapshots) PreviewRollback(sessionID string, targetIndex int, path string) (*Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return nil, err
	}

	pv := &Preview{Path: s.relativize(path), SnapshotIndex: -1}
	if content, err := os.ReadFile(s.resolve(path)); err == nil {
		pv.Current = content
		pv.CurrentExists = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	prior, ok := latestBefore(idx.Entries, pv.Path, targetIndex)
	if ok && prior.Hash != "" {
		content, err := s.readBlob(prior.Hash)
		if err != nil {
			return nil, err
		}
		pv.Snapshot = content
		pv.SnapshotExists = true
		pv.SnapshotIndex = prior.MessageIndex
	} else if ok {
		pv.SnapshotIndex = prior.MessageIndex
	}
	return pv, nil
}

// FilesWrittenSince lists the distinct paths with a snapshot at or
// after index, sorted.
func (s *Snapshots) FilesWrittenSince(sessionID string, index int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range idx.Entries {
		if e.MessageIndex >= index && !seen[e.Path] {
			seen[e.Path] = true
			out = append(out, e.Path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Entries returns a copy of the session's snapshot index entries,
// ordered by message index.
func (s *Snapshots) Entries(sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(idx.Entries))
	copy(out, idx.Entries)
	sort.Slice(out, func(i, j int) bool { return out[i].MessageIndex < out[j].MessageIndex })
	return out, nil
}

// Sweep drops indexes for sessions not in live and then removes every
// blob no remaining index references.
func (s *Snapshots) Sweep(live map[string]bool) (SweepStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats SweepStats
	indexDir := filepath.Join(s.dir, "index")
	entries, err := os.ReadDir(indexDir)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("list snapshot indexes: %w", err)
	}

	referenced := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !live[id] {
			if err := os.Remove(filepath.Join(indexDir, name)); err == nil {
				stats.IndexesRemoved++
			}
			continue
		}
		idx, err := s.loadIndex(id)
		if err != nil {
			s.logger.Warn("unreadable snapshot index skipped", "session_id", id, "error", err)
			continue
		}
		for _, entry := range idx.Entries {
			if entry.Hash != "" {
				referenced[entry.Hash] = true
			}
		}
	}

	blobRoot := filepath.Join(s.dir, "blobs")
	shards, err := os.ReadDir(blobRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("list snapshot blobs: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(blobRoot, shard.Name())
		blobs, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, b := range blobs {
			if referenced[b.Name()] {
				continue
			}
			if err := os.Remove(filepath.Join(shardDir, b.Name())); err == nil {
				stats.BlobsRemoved++
			}
		}
	}
	return stats, nil
}

// latestBefore finds the entry for path with the largest index
// strictly below target.
func latestBefore(entries []Entry, path string, target int) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if e.Path != path || e.MessageIndex >= target {
			continue
		}
		if !found || e.MessageIndex > best.MessageIndex ||
			(e.MessageIndex == best.MessageIndex && e.RecordedAt.After(best.RecordedAt)) {
			best = e
			found = true
		}
	}
	return best, found
}

func (s *Snapshots) restoreFile(path string, content []byte) error {
	abs := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(abs, content, 0o644)
}

func (s *Snapshots) writeBlob(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := writeFileAtomic(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", hash, err)
	}
	return hash, nil
}

func (s *Snapshots) readBlob(hash string) ([]byte, error) {
	return os.ReadFile(s.blobPath(hash))
}

func (s *Snapshots) blobPath(hash string) string {
	return filepath.Join(s.dir, "blobs", hash[:2], hash)
}

func (s *Snapshots) indexPath(sessionID string) (string, error) {
	if !validID.MatchString(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, "index", sessionID+".json"), nil
}

func (s *Snapshots) loadIndex(sessionID string) (*index, error) {
	path, err := s.indexPath(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot index %s: %w", sessionID, err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse snapshot index %s: %w", sessionID, err)
	}
	return &idx, nil
}

func (s *Snapshots) saveIndex(sessionID string, idx *index) error {
	path, err := s.indexPath(sessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

// relativize stores paths relative to the project root when they live
// under it; anything else keeps its absolute form.
func (s *Snapshots) relativize(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	rel, err := filepath.Rel(s.workDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Clean(path)
	}
	return rel
}

func (s *Snapshots) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.workDir, path)
}
