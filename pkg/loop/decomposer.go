package loop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cardloop/orchestrator/pkg/agentadapter"
	"github.com/cardloop/orchestrator/pkg/models"
)

// Adapter is the subset of agentadapter.Adapter the Decomposer depends on.
type Adapter interface {
	Run(ctx context.Context, prompt, workdir, modelProfile string, allowedTools []string) <-chan agentadapter.Event
}

// Decomposer turns a goal description into an ordered list of
// DecompositionEntry by constraining an AgentAdapter invocation to JSON
// output: the prompt embeds the expected shape directly, so the result
// decodes without any schema round-trip.
type Decomposer struct {
	adapter Adapter
	model   string
	workdir string
}

// NewDecomposer builds a Decomposer that runs model against workdir, the
// host repository root. Decomposition reads no file but still runs in a
// real working directory for consistency with every other stage.
func NewDecomposer(adapter Adapter, model, workdir string) *Decomposer {
	return &Decomposer{adapter: adapter, model: model, workdir: workdir}
}

const decomposePromptTemplate = `/decompose %s

Break this goal into an ordered list of implementation cards. Respond with
ONLY a JSON array, no prose, matching this shape exactly:
[{"title": string, "description": string, "order": int, "dependencies": [int, ...]}]

"dependencies" are zero-based indices into this same array, referring only
to entries earlier in the list.`

// Decompose runs the decomposition prompt and parses its result into
// DecompositionEntry values. The entries' Dependencies are order-indices
// into the returned slice, resolved to card ids by the caller (ACT's
// second pass).
func (d *Decomposer) Decompose(ctx context.Context, goalDescription, learningContext string) ([]models.DecompositionEntry, error) {
	prompt := fmt.Sprintf(decomposePromptTemplate, goalDescription)
	if learningContext != "" {
		prompt = prompt + "\n\nRelevant lessons from past goals:\n" + learningContext
	}

	var resultText string
	for event := range d.adapter.Run(ctx, prompt, d.workdir, d.model, nil) {
		switch event.Kind {
		case agentadapter.EventResult:
			resultText = event.Result
		case agentadapter.EventError:
			return nil, fmt.Errorf("loop: decomposer agent error: %s", event.Message)
		}
	}

	if resultText == "" {
		return nil, fmt.Errorf("loop: decomposer produced no result")
	}

	var entries []models.DecompositionEntry
	if err := json.Unmarshal([]byte(resultText), &entries); err != nil {
		return nil, fmt.Errorf("loop: parsing decomposition result: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("loop: decomposition produced zero cards")
	}
	return entries, nil
}
