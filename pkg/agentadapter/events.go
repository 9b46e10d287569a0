package agentadapter

// EventKind tags the four shapes an agent run can emit.
type EventKind string

const (
	EventText    EventKind = "text"
	EventToolUse EventKind = "tool_use"
	EventResult  EventKind = "result"
	EventError   EventKind = "error"
)

// Usage carries the primary back-end's token accounting. Zero value on the
// secondary back-end, which never reports usage.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Event is one item from an agent run's stream. Only the fields relevant to
// Kind are populated; callers should switch on Kind before reading them.
type Event struct {
	Kind EventKind

	// EventText
	Text string

	// EventToolUse
	ToolName  string
	ToolInput map[string]any

	// EventResult
	Result string
	Usage  Usage

	// EventError
	Message string
}

func textEvent(content string) Event {
	return Event{Kind: EventText, Text: content}
}

func toolUseEvent(name string, input map[string]any) Event {
	return Event{Kind: EventToolUse, ToolName: name, ToolInput: input}
}

func resultEvent(result string, usage Usage) Event {
	return Event{Kind: EventResult, Result: result, Usage: usage}
}

func errorEvent(message string) Event {
	return Event{Kind: EventError, Message: message}
}

// ToolFilePath returns the file_path entry of a ToolUse event's input, if
// present, for the WorkflowEngine's spec-path extraction.
func (e Event) ToolFilePath() (string, bool) {
	if e.Kind != EventToolUse || e.ToolInput == nil {
		return "", false
	}
	v, ok := e.ToolInput["file_path"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
