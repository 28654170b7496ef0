package store

import (
	"context"
	"testing"
)

func TestSpecDocStore_MaterializeAndRead(t *testing.T) {
	tempDir := t.TempDir()
	s := NewSpecDocStore(tempDir)
	ctx := context.Background()

	docs := DocSet{
		Requirements: "# Requirements\n\nDo the thing.",
		Design:       "# Design\n\nHow it's built.",
		Tasks:        "# Tasks\n\n- [x] done\n- [ ] todo",
	}

	if err := s.Materialize(ctx, "01-01-close-loop-control", docs); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	got, err := s.Read(ctx, "01-01-close-loop-control")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != docs {
		t.Errorf("Read() = %+v, want %+v", got, docs)
	}
}

func TestSpecDocStore_MaterializeCollision(t *testing.T) {
	tempDir := t.TempDir()
	s := NewSpecDocStore(tempDir)
	ctx := context.Background()

	if err := s.Materialize(ctx, "01-01-x", DocSet{Requirements: "a", Design: "b", Tasks: "c"}); err != nil {
		t.Fatalf("first Materialize failed: %v", err)
	}

	err := s.Materialize(ctx, "01-01-x", DocSet{Requirements: "a2", Design: "b2", Tasks: "c2"})
	if err == nil {
		t.Fatal("Materialize over an existing spec directory should fail")
	}

	// No partial overwrite: original content survives.
	got, readErr := s.Read(ctx, "01-01-x")
	if readErr != nil {
		t.Fatalf("Read failed: %v", readErr)
	}
	if got.Requirements != "a" {
		t.Errorf("Requirements = %q, want unchanged %q", got.Requirements, "a")
	}
}

func TestSpecDocStore_Exists(t *testing.T) {
	tempDir := t.TempDir()
	s := NewSpecDocStore(tempDir)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "01-01-x")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists = true for nonexistent spec")
	}

	if err := s.Materialize(ctx, "01-01-x", DocSet{Requirements: "a", Design: "b", Tasks: "c"}); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	exists, err = s.Exists(ctx, "01-01-x")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("Exists = false for existing spec")
	}
}

func TestSpecDocStore_ReadMissingIsEmpty(t *testing.T) {
	tempDir := t.TempDir()
	s := NewSpecDocStore(tempDir)

	got, err := s.Read(context.Background(), "01-99-missing")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != (DocSet{}) {
		t.Errorf("Read() for missing spec = %+v, want zero value", got)
	}
}

func TestSpecDocStore_InvalidName(t *testing.T) {
	tempDir := t.TempDir()
	s := NewSpecDocStore(tempDir)
	ctx := context.Background()

	if err := s.Materialize(ctx, "../escape", DocSet{}); err == nil {
		t.Error("Materialize with path-escaping name should fail")
	}
	if _, err := s.Exists(ctx, "a/b"); err == nil {
		t.Error("Exists with a slash in the name should fail")
	}
}

func TestDocSet_DocsComplete(t *testing.T) {
	complete := DocSet{Requirements: "a", Design: "b", Tasks: "c"}
	if !complete.DocsComplete() {
		t.Error("DocsComplete() = false, want true")
	}

	incomplete := DocSet{Requirements: "a", Design: "", Tasks: "c"}
	if incomplete.DocsComplete() {
		t.Error("DocsComplete() = true, want false for blank design doc")
	}

	whitespaceOnly := DocSet{Requirements: "a", Design: "   \n", Tasks: "c"}
	if whitespaceOnly.DocsComplete() {
		t.Error("DocsComplete() = true, want false for whitespace-only design doc")
	}
}

func TestTasksChecklistClosed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"all checked", "- [x] one\n- [x] two", true},
		{"one unchecked", "- [x] one\n- [ ] two", false},
		{"no items", "just prose, no checklist", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TasksChecklistClosed(tt.body); got != tt.want {
				t.Errorf("TasksChecklistClosed(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

func TestExtractSpecSummary(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		maxChars int
		want     string
	}{
		{
			name: "with TL;DR section",
			content: `# Spec

## TL;DR
- Point 1
- Point 2

## Problem Statement
Details here`,
			maxChars: 500,
			want:     "- Point 1\n- Point 2",
		},
		{
			name:     "without TL;DR",
			content:  "Some content that is long enough",
			maxChars: 10,
			want:     "Some conte...",
		},
		{
			name:     "short content",
			content:  "Short",
			maxChars: 100,
			want:     "Short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractSpecSummary(tt.content, tt.maxChars)
			if got != tt.want {
				t.Errorf("ExtractSpecSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}
