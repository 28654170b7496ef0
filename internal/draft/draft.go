// Package draft implements the optional LLM-assisted spec document drafting
// pass (section 1.2): given a spec and its goal, ask a tool-calling LLM
// client to fill in requirements.md/design.md/tasks.md prose. It is never
// authoritative over orchestration outcomes — the close-loop controller
// always falls back to deterministic templates when drafting is disabled or
// fails.
package draft

import (
	"context"
	"fmt"

	"sce.dev/auto/common/llm"
	"sce.dev/auto/core/config"
	"sce.dev/auto/internal/model"
	"sce.dev/auto/internal/store"
)

// specDocsArgs is the tool-call schema the drafting LLM must populate.
type specDocsArgs struct {
	Requirements string `json:"requirements" jsonschema_description:"Markdown requirements document body"`
	Design       string `json:"design" jsonschema_description:"Markdown design document body"`
	Tasks        string `json:"tasks" jsonschema_description:"Markdown tasks checklist, using - [ ] items"`
}

const writeSpecDocsTool = "write_spec_docs"

// Drafter calls a tool-calling LLM client to draft one spec's document
// triad. It implements closeloop.Drafter.
type Drafter struct {
	client llm.AgentClient
}

// New builds a Drafter from process configuration. It returns a nil
// *Drafter (not an error) when drafting is disabled. A nil *Drafter stored
// in a closeloop.Drafter interface is a non-nil interface value, so pkg/cli
// only hands the result to closeloop.New when it is non-nil.
func New(cfg config.DraftingConfig) (*Drafter, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	llmCfg := llm.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}

	var client llm.AgentClient
	var err error
	switch cfg.Provider {
	case "anthropic":
		client, err = llm.NewAnthropicClient(llmCfg)
	case "openai", "":
		client, err = llm.NewAgentClient(llmCfg)
	default:
		return nil, fmt.Errorf("draft: unknown provider %q, want openai or anthropic", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("draft: constructing %s client: %w", cfg.Provider, err)
	}
	return &Drafter{client: client}, nil
}

// DraftSpecDocs asks the configured LLM to write the requirements/design/
// tasks triad for spec in the context of goal. Forces a single tool call so
// the response parses as structured data rather than free-form prose.
func (d *Drafter) DraftSpecDocs(ctx context.Context, spec model.Spec, goal string) (store.DocSet, error) {
	schema := llm.GenerateSchemaFrom(specDocsArgs{})

	req := llm.AgentRequest{
		Messages: []llm.Message{
			{
				Role: "system",
				Content: "You draft spec-driven development documents for an autonomous multi-agent " +
					"orchestrator. Write concise, concrete markdown. Always respond by calling " +
					writeSpecDocsTool + ".",
			},
			{
				Role: "user",
				Content: fmt.Sprintf(
					"Goal: %s\n\nSpec: %s\nTrack: %s\nDependencies: %v\n\n"+
						"Write the requirements, design, and tasks documents for this spec.",
					goal, spec.Name, spec.Track, spec.Dependencies,
				),
			},
		},
		Tools: []llm.Tool{
			{
				Name:        writeSpecDocsTool,
				Description: "Record the drafted requirements, design, and tasks documents",
				Parameters:  schema,
			},
		},
		MaxTokens: 4096,
	}

	resp, err := d.client.ChatWithTools(ctx, req)
	if err != nil {
		return store.DocSet{}, fmt.Errorf("draft: chat request failed: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		return store.DocSet{}, fmt.Errorf("draft: model did not call %s", writeSpecDocsTool)
	}

	args, err := llm.ParseToolArguments[specDocsArgs](resp.ToolCalls[0].Arguments)
	if err != nil {
		return store.DocSet{}, fmt.Errorf("draft: parsing tool arguments: %w", err)
	}

	return store.DocSet{
		Requirements: args.Requirements,
		Design:       args.Design,
		Tasks:        args.Tasks,
	}, nil
}
