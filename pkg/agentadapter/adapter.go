// Package agentadapter presents a single streaming interface over the two
// LLM back-ends an orchestrated card execution can run against: a primary
// back-end that speaks newline-delimited JSON content blocks plus a final
// usage summary, and a secondary back-end that is a plain line-oriented
// subprocess.
//
// Output is read a line at a time off the child's stdout so callers can
// render it as it arrives and so a cancelled context can interrupt a run
// already in progress.
package agentadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cardloop/orchestrator/pkg/config"
)

// Adapter selects and invokes one of the two configured back-ends.
type Adapter struct {
	cfg     config.AgentConfig
	starter starter
}

// New builds an Adapter that shells out to the real primary/secondary
// commands.
func New(cfg config.AgentConfig) *Adapter {
	return &Adapter{cfg: cfg, starter: execStarter{}}
}

// newWithStarter builds an Adapter against an injected starter; used in
// tests to avoid depending on a real CLI binary.
func newWithStarter(cfg config.AgentConfig, s starter) *Adapter {
	return &Adapter{cfg: cfg, starter: s}
}

// backend identifies which command line and parsing strategy a model
// profile resolves to.
type backend int

const (
	backendPrimary backend = iota
	backendSecondary
)

// resolveBackend matches modelProfile's prefix against the configured
// prefix lists, defaulting to the primary back-end when neither list
// matches (opus-/sonnet-/haiku-* profiles route primary and gemini-*
// secondary by default, but a config rollout may add profiles before
// updating these lists).
func (a *Adapter) resolveBackend(modelProfile string) backend {
	for _, prefix := range a.cfg.PrimaryPrefixes {
		if prefix != "" && strings.HasPrefix(modelProfile, prefix) {
			return backendPrimary
		}
	}
	for _, prefix := range a.cfg.SecondaryPrefixes {
		if prefix != "" && strings.HasPrefix(modelProfile, prefix) {
			return backendSecondary
		}
	}
	return backendPrimary
}

// Run starts an agent run and streams its events on the returned channel.
// The channel is always closed, and the last event sent is always either
// EventResult or EventError. Cancelling ctx stops the child process; the
// final event in that case is Error{message: "cancelled"}.
func (a *Adapter) Run(ctx context.Context, prompt, workdir, modelProfile string, allowedTools []string) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		be := a.resolveBackend(modelProfile)
		name, args := a.buildCommand(be, prompt, modelProfile, allowedTools)

		proc, err := a.starter.start(ctx, name, args, workdir)
		if err != nil {
			out <- errorEvent(fmt.Sprintf("failed to start agent process: %v", err))
			return
		}

		sawTerminal := false

		for line := range proc.lines {
			if line == "" {
				continue
			}
			if be == backendPrimary {
				for _, ev := range parseStreamLine(line) {
					if ev.Kind == EventResult || ev.Kind == EventError {
						sawTerminal = true
					}
					out <- ev
				}
			} else {
				out <- textEvent(line)
			}
		}

		waitErr := proc.wait()

		// A terminal result or error line already ended the stream; only the
		// process exit status remains to collect.
		if sawTerminal {
			return
		}

		if ctx.Err() != nil {
			out <- errorEvent("cancelled")
			return
		}
		if waitErr != nil {
			out <- errorEvent(fmt.Sprintf("agent process exited with error: %v", waitErr))
			return
		}
		// The process exited cleanly but never emitted a result line (always
		// the case on the secondary back-end, which has no usage reporting);
		// close the stream with a zeroed terminal event rather than none.
		out <- resultEvent("", Usage{})
	}()

	return out
}

// secondaryStageBriefs are the full natural-language templates the secondary
// back-end runs with. It does not resolve the primary back-end's slash
// commands when invoked inside a worktree, so the whole brief ships as
// literal prompt text; these templates are part of the external interface,
// not an implementation detail.
var secondaryStageBriefs = map[string]string{
	"/plan": `You are planning a unit of software work.

Task: %s

Write a complete markdown design spec for this task into a new file under
specs/ (e.g. specs/<short-task-name>.md). The spec must cover the intended
behavior, the files to change, and how the change will be tested. Name the
spec file explicitly in your output.`,
	"/implement": `You are implementing a previously planned change.

Read the design spec at %s and implement exactly what it describes, editing
the repository in place. Keep the change minimal and consistent with the
surrounding code.`,
	"/test-implementation": `You are verifying an implemented change.

Read the design spec at %s, run the project's test suite covering the
change, and report the results. If any test fails, print the failing test
output verbatim.`,
	"/review": `You are reviewing an implemented change.

Read the design spec at %s and review the implementation against it. Report
any divergence from the spec, correctness issues, or missing tests.`,
}

// expandSecondaryPrompt rewrites a primary-style command prompt
// ("/plan t: d", "/implement specs/x.md", ...) into the matching full brief.
// Prompts with no recognized command prefix pass through verbatim.
func expandSecondaryPrompt(prompt string) string {
	for command, brief := range secondaryStageBriefs {
		if rest, ok := strings.CutPrefix(prompt, command+" "); ok {
			return fmt.Sprintf(brief, rest)
		}
	}
	return prompt
}

// buildCommand constructs the child process invocation for the resolved
// back-end. The primary back-end receives the short command-style prompts
// the orchestrator uses; the secondary back-end gets the stage's full
// brief via expandSecondaryPrompt.
func (a *Adapter) buildCommand(be backend, prompt, modelProfile string, allowedTools []string) (string, []string) {
	if be == backendSecondary {
		args := []string{"-p", expandSecondaryPrompt(prompt)}
		if modelProfile != "" {
			args = append(args, "--model", modelProfile)
		}
		args = append(args, "--yolo") // auto-approval; the child never prompts
		return commandOrDefault(a.cfg.SecondaryCommand, "gemini"), args
	}

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if modelProfile != "" {
		args = append(args, "--model", modelProfile)
	}
	tools := allowedTools
	if len(tools) == 0 {
		tools = a.cfg.AllowedTools
	}
	if len(tools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(tools, ","))
	}
	if a.cfg.BypassPermissions {
		args = append(args, "--permission-mode", "bypassPermissions")
	}
	return commandOrDefault(a.cfg.PrimaryCommand, "claude"), args
}

func commandOrDefault(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

// streamLine is the shape of one newline-delimited JSON message emitted by
// the primary back-end: either an assistant message carrying text/tool_use
// content blocks, or a terminal result message carrying token usage.
type streamLine struct {
	Type    string `json:"type"`
	Message *struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	} `json:"message"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseStreamLine decodes one line of primary-back-end NDJSON output into
// zero or more Events (an assistant message may carry several content
// blocks). Malformed lines are logged and skipped rather than failing the
// whole run, since a stray log line on stdout should not abort an
// otherwise-healthy stream.
func parseStreamLine(line string) []Event {
	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		slog.Warn("agentadapter: skipping unparsable stream line", "error", err)
		return nil
	}

	switch sl.Type {
	case "assistant":
		if sl.Message == nil {
			return nil
		}
		events := make([]Event, 0, len(sl.Message.Content))
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "tool_use":
				events = append(events, toolUseEvent(block.Name, block.Input))
			case "text":
				events = append(events, textEvent(block.Text))
			}
		}
		return events
	case "result":
		usage := Usage{}
		if sl.Usage != nil {
			usage.InputTokens = sl.Usage.InputTokens
			usage.OutputTokens = sl.Usage.OutputTokens
			usage.TotalTokens = sl.Usage.InputTokens + sl.Usage.OutputTokens
		}
		if sl.IsError {
			return []Event{errorEvent(sl.Result)}
		}
		return []Event{resultEvent(sl.Result, usage)}
	default:
		return nil
	}
}
