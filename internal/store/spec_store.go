// Package store implements the Spec Document Store: materializes and reads
// the requirements.md/design.md/tasks.md triad the Close-Loop Controller
// (C8) writes for every spec in a portfolio, under
// <ws>/.sce/specs/<specName>/. It is the disk-facing half of spec
// materialization; internal/collab owns the metadata half
// (collaboration.json).
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sce.dev/auto/internal/apperr"
)

// DocNames are the three markdown documents every spec carries, in the
// order the Prompt Assembler (C1) renders them.
var DocNames = []string{"requirements.md", "design.md", "tasks.md"}

// DocSet is the triad of document bodies for one spec.
type DocSet struct {
	Requirements string
	Design       string
	Tasks        string
}

func (d DocSet) byName() map[string]string {
	return map[string]string{
		"requirements.md": d.Requirements,
		"design.md":       d.Design,
		"tasks.md":        d.Tasks,
	}
}

// SpecDocStore materializes and reads spec document triads on the local
// filesystem.
type SpecDocStore struct {
	workspaceRoot string
}

// NewSpecDocStore creates a SpecDocStore rooted at workspaceRoot (the
// directory containing .sce/).
func NewSpecDocStore(workspaceRoot string) *SpecDocStore {
	return &SpecDocStore{workspaceRoot: workspaceRoot}
}

func (s *SpecDocStore) specDir(specName string) string {
	return filepath.Join(s.workspaceRoot, ".sce", "specs", specName)
}

// Materialize creates the spec's document directory and writes its three
// documents atomically (write-to-temp, then rename). It fails with a
// apperr.KindSpecLayout error if the spec directory already exists, per the
// "attempt to create a spec directory that already exists" error class —
// no partial writes occur either way.
func (s *SpecDocStore) Materialize(ctx context.Context, specName string, docs DocSet) error {
	if err := validateSpecName(specName); err != nil {
		return err
	}

	dir := s.specDir(specName)
	if _, err := os.Stat(dir); err == nil {
		return apperr.SpecLayout(fmt.Sprintf("spec directory already exists: %s", specName), nil)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.SpecLayout(fmt.Sprintf("creating spec directory for %s", specName), err)
	}

	byName := docs.byName()
	for _, name := range DocNames {
		if err := writeAtomic(filepath.Join(dir, name), byName[name]); err != nil {
			return apperr.SpecLayout(fmt.Sprintf("writing %s for %s", name, specName), err)
		}
	}
	return nil
}

// Read loads a spec's document triad. Missing files read back as empty
// strings rather than erroring — callers that need "not found" semantics
// should check Exists first.
func (s *SpecDocStore) Read(ctx context.Context, specName string) (DocSet, error) {
	if err := validateSpecName(specName); err != nil {
		return DocSet{}, err
	}

	dir := s.specDir(specName)
	return DocSet{
		Requirements: readOrEmpty(filepath.Join(dir, "requirements.md")),
		Design:       readOrEmpty(filepath.Join(dir, "design.md")),
		Tasks:        readOrEmpty(filepath.Join(dir, "tasks.md")),
	}, nil
}

// Exists reports whether the spec's document directory has been materialized.
func (s *SpecDocStore) Exists(ctx context.Context, specName string) (bool, error) {
	if err := validateSpecName(specName); err != nil {
		return false, err
	}
	_, err := os.Stat(s.specDir(specName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, apperr.SpecLayout(fmt.Sprintf("checking spec directory for %s", specName), err)
}

// DocsComplete reports whether every document in the triad is non-empty,
// the gate the DoD "docs-complete" check consults.
func (d DocSet) DocsComplete() bool {
	return strings.TrimSpace(d.Requirements) != "" &&
		strings.TrimSpace(d.Design) != "" &&
		strings.TrimSpace(d.Tasks) != ""
}

// uncheckedMarker matches a markdown task-list item that hasn't been checked off.
const uncheckedMarker = "- [ ]"

// TasksChecklistClosed reports whether a tasks.md body has no remaining
// unchecked items, the gate the DoD "tasks-checklist-closed" check consults.
func TasksChecklistClosed(tasksMarkdown string) bool {
	for _, line := range strings.Split(tasksMarkdown, "\n") {
		if strings.Contains(strings.ToLower(line), uncheckedMarker) {
			return false
		}
	}
	return true
}

func writeAtomic(path, content string) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readOrEmpty(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(content)
}

func validateSpecName(specName string) error {
	if specName == "" || strings.ContainsAny(specName, "/\\") || strings.Contains(specName, "..") {
		return apperr.SpecLayout(fmt.Sprintf("invalid spec name: %q", specName), nil)
	}
	return nil
}

// ExtractSpecSummary extracts a short summary from a document body: the
// "## TL;DR" section if present, otherwise the first maxChars characters.
// Used by the DoD gate and session summaries to keep report messages short.
func ExtractSpecSummary(content string, maxChars int) string {
	const tldrMarker = "## TL;DR"
	if idx := strings.Index(content, tldrMarker); idx != -1 {
		rest := content[idx+len(tldrMarker):]
		if endIdx := strings.Index(rest[1:], "\n##"); endIdx != -1 {
			return strings.TrimSpace(rest[:endIdx+1])
		}
		if len(rest) > maxChars {
			rest = rest[:maxChars] + "..."
		}
		return strings.TrimSpace(rest)
	}

	if len(content) > maxChars {
		return content[:maxChars] + "..."
	}
	return content
}
