package loop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardloop/orchestrator/pkg/agentadapter"
	"github.com/cardloop/orchestrator/pkg/loop"
)

type scriptedDecomposerAdapter struct {
	events []agentadapter.Event
}

func (s *scriptedDecomposerAdapter) Run(ctx context.Context, prompt, workdir, modelProfile string, allowedTools []string) <-chan agentadapter.Event {
	out := make(chan agentadapter.Event, len(s.events))
	for _, e := range s.events {
		out <- e
	}
	close(out)
	return out
}

func TestDecomposeParsesJSONArrayResult(t *testing.T) {
	adapter := &scriptedDecomposerAdapter{events: []agentadapter.Event{
		{Kind: agentadapter.EventText, Text: "thinking..."},
		{Kind: agentadapter.EventResult, Result: `[
			{"title": "Add handler", "description": "wire the route", "order": 0, "dependencies": []},
			{"title": "Add tests", "description": "cover the route", "order": 1, "dependencies": [0]}
		]`},
	}}

	d := loop.NewDecomposer(adapter, "opus-4", "/repo")
	entries, err := d.Decompose(context.Background(), "add a health endpoint", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Add handler", entries[0].Title)
	assert.Equal(t, []int{0}, entries[1].Dependencies)
}

func TestDecomposeFailsOnAgentError(t *testing.T) {
	adapter := &scriptedDecomposerAdapter{events: []agentadapter.Event{
		{Kind: agentadapter.EventError, Message: "agent crashed"},
	}}

	d := loop.NewDecomposer(adapter, "opus-4", "/repo")
	_, err := d.Decompose(context.Background(), "add a health endpoint", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent crashed")
}

func TestDecomposeFailsOnMalformedJSON(t *testing.T) {
	adapter := &scriptedDecomposerAdapter{events: []agentadapter.Event{
		{Kind: agentadapter.EventResult, Result: "not json"},
	}}

	d := loop.NewDecomposer(adapter, "opus-4", "/repo")
	_, err := d.Decompose(context.Background(), "add a health endpoint", "")
	require.Error(t, err)
}

func TestDecomposeFailsOnEmptyArray(t *testing.T) {
	adapter := &scriptedDecomposerAdapter{events: []agentadapter.Event{
		{Kind: agentadapter.EventResult, Result: "[]"},
	}}

	d := loop.NewDecomposer(adapter, "opus-4", "/repo")
	_, err := d.Decompose(context.Background(), "add a health endpoint", "")
	require.Error(t, err)
}
