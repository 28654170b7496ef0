// Package collab implements the Collaboration Store (C5): the persisted,
// per-spec source of truth for status, dependencies and agent assignment.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sce.dev/auto/internal/apperr"
	"sce.dev/auto/internal/model"
)

const collaborationFilename = "collaboration.json"

// Store provides serialized, atomic access to per-spec metadata.
type Store interface {
	ReadMetadata(ctx context.Context, specName string) (model.Spec, error)
	AtomicUpdate(ctx context.Context, specName string, mutate func(*model.Spec) error) (model.Spec, error)
	UpdateStatus(ctx context.Context, specName string, status model.SpecStatus, reason string) (model.Spec, error)
	AssignSpec(ctx context.Context, specName, agentLogicalID string) (model.Spec, error)
}

// LocalStore implements Store over the workspace's .sce/specs/<name>/ layout.
// Writes are serialized per spec name via a striped mutex set and applied
// with a write-to-temp-then-rename swap so readers never observe a partial
// collaboration.json.
type LocalStore struct {
	specsRoot string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalStore creates a LocalStore rooted at <workspace>/.sce/specs.
func NewLocalStore(specsRoot string) *LocalStore {
	return &LocalStore{
		specsRoot: specsRoot,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *LocalStore) lockFor(specName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[specName]
	if !ok {
		l = &sync.Mutex{}
		s.locks[specName] = l
	}
	return l
}

func (s *LocalStore) path(specName string) string {
	return filepath.Join(s.specsRoot, specName, collaborationFilename)
}

// ReadMetadata loads the current persisted metadata for a spec. A missing
// file is not an error; it yields a zero-value Spec with the given name so
// callers can distinguish "not yet materialized" from a read failure.
func (s *LocalStore) ReadMetadata(ctx context.Context, specName string) (model.Spec, error) {
	data, err := os.ReadFile(s.path(specName))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Spec{Name: specName, Status: model.StatusNotStarted}, nil
		}
		return model.Spec{}, apperr.SpecLayout(fmt.Sprintf("reading collaboration metadata for %s", specName), err)
	}

	var spec model.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return model.Spec{}, apperr.SpecLayout(fmt.Sprintf("parsing collaboration metadata for %s", specName), err)
	}
	return spec, nil
}

// AtomicUpdate reads the current metadata, applies mutate, and persists the
// result atomically. mutate may return an error to abort without writing.
func (s *LocalStore) AtomicUpdate(ctx context.Context, specName string, mutate func(*model.Spec) error) (model.Spec, error) {
	lock := s.lockFor(specName)
	lock.Lock()
	defer lock.Unlock()

	spec, err := s.ReadMetadata(ctx, specName)
	if err != nil {
		return model.Spec{}, err
	}

	if err := mutate(&spec); err != nil {
		return model.Spec{}, err
	}

	if err := s.write(specName, spec); err != nil {
		return model.Spec{}, err
	}
	return spec, nil
}

// UpdateStatus is a convenience wrapper over AtomicUpdate for the common
// status-transition case.
func (s *LocalStore) UpdateStatus(ctx context.Context, specName string, status model.SpecStatus, reason string) (model.Spec, error) {
	return s.AtomicUpdate(ctx, specName, func(spec *model.Spec) error {
		spec.Status = status
		spec.Reason = reason
		return nil
	})
}

// AssignSpec records the agent logical id responsible for a spec.
func (s *LocalStore) AssignSpec(ctx context.Context, specName, agentLogicalID string) (model.Spec, error) {
	return s.AtomicUpdate(ctx, specName, func(spec *model.Spec) error {
		spec.AssignedAgentLogicalID = agentLogicalID
		return nil
	})
}

func (s *LocalStore) write(specName string, spec model.Spec) error {
	dir := filepath.Join(s.specsRoot, specName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.SpecLayout(fmt.Sprintf("creating spec directory for %s", specName), err)
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return apperr.SpecLayout(fmt.Sprintf("encoding collaboration metadata for %s", specName), err)
	}

	fullPath := s.path(specName)
	tmpPath := fullPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return apperr.SpecLayout(fmt.Sprintf("writing collaboration metadata for %s", specName), err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return apperr.SpecLayout(fmt.Sprintf("renaming collaboration metadata for %s", specName), err)
	}
	return nil
}
