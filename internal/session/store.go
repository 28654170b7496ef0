// Package session implements the Session Store (C10): snapshot/resume of
// in-flight close-loop runs and retention pruning.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/model"
)

// Resume selectors accepted by Resolve, beyond a literal session id or path.
const (
	ResumeLatest      = "latest"
	ResumeInterrupted = "interrupted"
)

// Store persists and restores CloseLoopSession snapshots under a sessions
// directory, one file per session named "{sessionId}.json".
type Store struct {
	dir string
}

// NewStore creates a Store rooted at the given sessions directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewSessionID derives a session id of the form "{prefix}-{UTCtimestamp}".
func NewSessionID(prefix int, now time.Time) string {
	return fmt.Sprintf("%d-%d", prefix, now.UTC().Unix())
}

// Save atomically writes a session snapshot, creating the sessions directory
// if needed. UpdatedAt is stamped to now before writing.
func (s *Store) Save(ctx context.Context, sess *model.CloseLoopSession, now time.Time) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperr.SessionIO("creating sessions directory", err)
	}

	sess.SchemaVersion = model.SessionSchemaVersion
	sess.UpdatedAt = now

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return apperr.SessionIO(fmt.Sprintf("encoding session %s", sess.SessionID), err)
	}

	fullPath := s.path(sess.SessionID)
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return apperr.SessionIO(fmt.Sprintf("writing session %s", sess.SessionID), err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return apperr.SessionIO(fmt.Sprintf("renaming session %s", sess.SessionID), err)
	}

	// Stamp the file's mtime to the logical save time so pruning (which keys
	// off mtime) behaves correctly even when snapshots are rewritten for
	// historical timestamps, e.g. in tests.
	if err := os.Chtimes(fullPath, now, now); err != nil {
		return apperr.SessionIO(fmt.Sprintf("setting mtime for session %s", sess.SessionID), err)
	}
	return nil
}

// Load reads one session snapshot by its literal id.
func (s *Store) Load(ctx context.Context, sessionID string) (*model.CloseLoopSession, error) {
	return s.loadPath(s.path(sessionID))
}

// LoadPath reads one session snapshot from an explicit file path, for the
// "resume by path" selector.
func (s *Store) LoadPath(ctx context.Context, path string) (*model.CloseLoopSession, error) {
	return s.loadPath(path)
}

func (s *Store) loadPath(path string) (*model.CloseLoopSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.SessionIO(fmt.Sprintf("session not found: %s", path), err)
		}
		return nil, apperr.SessionIO(fmt.Sprintf("reading session %s", path), err)
	}

	var sess model.CloseLoopSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperr.SessionIO(fmt.Sprintf("parsing session %s", path), err)
	}
	return &sess, nil
}

// Resolve implements the --resume selector: a literal session id, an
// explicit file path, "latest" (newest mtime), or "interrupted" (newest
// mtime among sessions whose status isn't completed).
func (s *Store) Resolve(ctx context.Context, selector string) (*model.CloseLoopSession, error) {
	switch selector {
	case ResumeLatest:
		return s.resolveNewest(func(model.CloseLoopSession) bool { return true })
	case ResumeInterrupted:
		return s.resolveNewest(func(sess model.CloseLoopSession) bool {
			return sess.Status != model.OrchestrationCompleted
		})
	default:
		if strings.ContainsRune(selector, os.PathSeparator) || strings.HasSuffix(selector, ".json") {
			return s.LoadPath(ctx, selector)
		}
		return s.Load(ctx, selector)
	}
}

type entry struct {
	path    string
	modTime time.Time
	sess    model.CloseLoopSession
}

func (s *Store) entries() ([]entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.SessionIO("listing sessions directory", err)
	}

	out := make([]entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		full := filepath.Join(s.dir, f.Name())
		info, err := f.Info()
		if err != nil {
			continue
		}
		sess, err := s.loadPath(full)
		if err != nil {
			continue
		}
		out = append(out, entry{path: full, modTime: info.ModTime(), sess: *sess})
	}
	return out, nil
}

func (s *Store) resolveNewest(predicate func(model.CloseLoopSession) bool) (*model.CloseLoopSession, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}

	var best *entry
	for i := range entries {
		e := &entries[i]
		if !predicate(e.sess) {
			continue
		}
		if best == nil || e.modTime.After(best.modTime) {
			best = e
		}
	}
	if best == nil {
		return nil, apperr.SessionIO("no matching session found", nil)
	}
	return &best.sess, nil
}

// Prune deletes session files that are both beyond the keep count (most
// recent keep survive unconditionally) and older than olderThanDays, never
// touching the currently active session.
func (s *Store) Prune(ctx context.Context, keep int, olderThanDays int, activeSessionID string) ([]string, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.After(entries[j].modTime)
	})

	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	var removed []string
	for i, e := range entries {
		if e.sess.SessionID == activeSessionID {
			continue
		}
		if i < keep {
			continue
		}
		if !e.modTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			continue
		}
		removed = append(removed, e.sess.SessionID)
	}
	return removed, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}
