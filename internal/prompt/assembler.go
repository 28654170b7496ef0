// Package prompt implements the Prompt Assembler (C1): renders the
// bootstrap prompt handed to a spawned worker from steering documents, a
// spec's own requirements/design/tasks files, and an optional README
// summary.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sce.dev/auto/internal/apperr"
)

const notFoundPlaceholder = "(not found)"

var steeringFiles = []string{"CORE_PRINCIPLES.md", "ENVIRONMENT.md", "CURRENT_CONTEXT.md", "RULES_GUIDE.md"}

var specDocFiles = []string{"requirements.md", "design.md", "tasks.md"}

// Assembler builds bootstrap prompts from a workspace's .sce layout.
type Assembler struct {
	workspaceRoot string
	// Template, when non-empty, is used verbatim with placeholder
	// substitution instead of the built-in layout.
	Template string
}

// New creates an Assembler rooted at workspaceRoot (the directory
// containing .sce/).
func New(workspaceRoot string) *Assembler {
	return &Assembler{workspaceRoot: workspaceRoot}
}

func (a *Assembler) steeringDir() string {
	return filepath.Join(a.workspaceRoot, ".sce", "steering")
}

func (a *Assembler) specDir(specName string) string {
	return filepath.Join(a.workspaceRoot, ".sce", "specs", specName)
}

// BuildPrompt renders the bootstrap prompt for one spec. It never returns
// an empty or whitespace-only string without an error.
func (a *Assembler) BuildPrompt(ctx context.Context, specName string) (string, error) {
	specPath := a.specDir(specName)
	steeringContext := a.readSteeringContext()
	specDocs := a.readSpecDocs(specPath)
	readmeSummary := a.readReadmeSummary()
	taskInstructions := a.buildTaskInstructions(specName)

	var out string
	if strings.TrimSpace(a.Template) != "" {
		out = a.renderTemplate(specName, specPath, steeringContext, taskInstructions)
	} else {
		out = a.renderBuiltin(specName, specPath, readmeSummary, specDocs, steeringContext, taskInstructions)
	}

	if strings.TrimSpace(out) == "" {
		return "", apperr.SpecLayout(fmt.Sprintf("assembled prompt for %s is empty", specName), nil)
	}
	return out, nil
}

func (a *Assembler) renderTemplate(specName, specPath, steeringContext, taskInstructions string) string {
	replacer := strings.NewReplacer(
		"{{specName}}", specName,
		"{{specPath}}", specPath,
		"{{steeringContext}}", steeringContext,
		"{{taskInstructions}}", taskInstructions,
	)
	return replacer.Replace(a.Template)
}

func (a *Assembler) renderBuiltin(specName, specPath, readmeSummary string, specDocs map[string]string, steeringContext, taskInstructions string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Project Overview\n\n%s\n\n", readmeSummary)
	fmt.Fprintf(&b, "# Target Spec: %s\n\n", specName)

	for _, name := range specDocFiles {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, specDocs[name])
	}

	fmt.Fprintf(&b, "# Steering Context\n\n%s\n\n", steeringContext)
	fmt.Fprintf(&b, "# Task Execution Instructions\n\n%s\n", taskInstructions)

	return b.String()
}

func (a *Assembler) readSteeringContext() string {
	var b strings.Builder
	for _, name := range steeringFiles {
		content, err := os.ReadFile(filepath.Join(a.steeringDir(), name))
		if err != nil {
			continue // missing steering files are skipped silently
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, string(content))
	}
	return b.String()
}

func (a *Assembler) readSpecDocs(specPath string) map[string]string {
	docs := make(map[string]string, len(specDocFiles))

	if _, err := os.Stat(specPath); err != nil {
		for _, name := range specDocFiles {
			docs[name] = notFoundPlaceholder
		}
		return docs
	}

	for _, name := range specDocFiles {
		content, err := os.ReadFile(filepath.Join(specPath, name))
		if err != nil {
			docs[name] = notFoundPlaceholder
			continue
		}
		docs[name] = string(content)
	}
	return docs
}

func (a *Assembler) readReadmeSummary() string {
	content, err := os.ReadFile(filepath.Join(a.workspaceRoot, "README.md"))
	if err != nil {
		return notFoundPlaceholder
	}
	const maxChars = 2000
	s := string(content)
	if len(s) > maxChars {
		return strings.TrimSpace(s[:maxChars]) + "..."
	}
	return s
}

func (a *Assembler) buildTaskInstructions(specName string) string {
	return fmt.Sprintf(
		"Implement every task in %s/tasks.md for spec %q. Work only within this spec's scope. "+
			"Report progress as newline-delimited JSON objects on stdout.",
		a.specDir(specName), specName,
	)
}
