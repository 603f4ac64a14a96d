package claude

import (
	"bytes"
	"encoding/json"
	"strings"
)

// classifyLine turns one stdout line into zero or more events, in emission
// order: the specific kinds first, then the generic message event. It never
// fails; anything that is not a JSON object comes back as a single raw event.
// ConnectionID and Time are left for the caller to stamp.
func classifyLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	// --verbose can print banner text and warnings on stdout.
	if !strings.HasPrefix(trimmed, "{") {
		return []Event{{Kind: EventRaw, Raw: line}}
	}

	data := []byte(trimmed)
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Valid object with an unexpected field shape: still fan it out.
		var obj map[string]json.RawMessage
		if json.Unmarshal(data, &obj) != nil {
			return []Event{{Kind: EventRaw, Raw: line}}
		}
		var typ string
		_ = json.Unmarshal(obj["type"], &typ)
		return []Event{messageEvent(typ, data)}
	}

	var events []Event

	switch {
	case msg.isInit():
		events = append(events, Event{Kind: EventInit, Init: msg.toInit(data)})
	case msg.Type == "assistant":
		a := msg.toAssistant()
		events = append(events, Event{Kind: EventAssistant, Assistant: a})
		events = append(events, toolEvents(a)...)
	case msg.Type == "result":
		events = append(events, Event{Kind: EventResult, Result: msg.toResult()})
	}

	if msg.isPermissionRequest() {
		events = append(events, Event{Kind: EventPermission, Permission: msg.toPermissionRequest()})
	}
	if e := msg.subprocessError(); e != nil {
		events = append(events, Event{Kind: EventError, Err: e})
	}

	return append(events, messageEvent(msg.Type, data))
}

func messageEvent(typ string, data []byte) Event {
	return Event{Kind: EventMessage, Type: typ, Payload: json.RawMessage(bytes.Clone(data))}
}

// toolEvents announces each tool_use block, plus a todo event for TodoWrite
// input that parses.
func toolEvents(a *AssistantMessage) []Event {
	var events []Event
	for _, block := range a.ToolUses() {
		events = append(events, Event{Kind: EventToolStarted, Tool: &ToolUse{
			ID:      block.ID,
			Name:    block.Name,
			Input:   block.Input,
			Summary: extractToolInputDescription(block.Name, block.Input),
			Verb:    toolVerb(block.Name),
		}})
		if block.Name == "TodoWrite" {
			if todos, err := ParseTodoWriteInput(block.Input); err == nil {
				events = append(events, Event{Kind: EventTodo, Todos: todos})
			}
		}
	}
	return events
}

// toolInputConfig says which input field summarizes a tool call.
type toolInputConfig struct {
	Field       string
	ShortenPath bool // keep only the last path component
	MaxLen      int  // 0 = no limit
}

var toolInputConfigs = map[string]toolInputConfig{
	"Read":         {Field: "file_path", ShortenPath: true},
	"Edit":         {Field: "file_path", ShortenPath: true},
	"MultiEdit":    {Field: "file_path", ShortenPath: true},
	"Write":        {Field: "file_path", ShortenPath: true},
	"NotebookEdit": {Field: "notebook_path", ShortenPath: true},

	"Glob":      {Field: "pattern"},
	"Grep":      {Field: "pattern", MaxLen: 30},
	"WebSearch": {Field: "query"},

	"Bash": {Field: "command", MaxLen: 40},

	"Task": {Field: "description"},

	"WebFetch": {Field: "url", MaxLen: 40},
}

// DefaultToolInputMaxLen caps summaries of tools without a config entry.
const DefaultToolInputMaxLen = 40

// extractToolInputDescription returns a short hint for a tool call, e.g. the
// file name for Read or the command for Bash.
func extractToolInputDescription(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return ""
	}

	if cfg, ok := toolInputConfigs[toolName]; ok {
		if value, ok := inputMap[cfg.Field].(string); ok {
			if cfg.ShortenPath {
				value = shortenPath(value)
			}
			return truncateString(value, cfg.MaxLen)
		}
	}

	// Map order is random; pick the smallest key for a stable result.
	var bestKey, best string
	for k, v := range inputMap {
		if s, ok := v.(string); ok && s != "" && (bestKey == "" || k < bestKey) {
			bestKey, best = k, s
		}
	}
	return truncateString(best, DefaultToolInputMaxLen)
}

// truncateString cuts s to maxLen bytes including a "..." suffix.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func shortenPath(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 && i < len(path)-1 {
		return path[i+1:]
	}
	return path
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// toolVerb is the progress word shown next to a running tool.
func toolVerb(toolName string) string {
	switch toolName {
	case "Read":
		return "Reading"
	case "Edit", "MultiEdit", "NotebookEdit":
		return "Editing"
	case "Write":
		return "Writing"
	case "Glob", "Grep", "WebSearch":
		return "Searching"
	case "Bash":
		return "Running"
	case "Task":
		return "Delegating"
	case "WebFetch":
		return "Fetching"
	case "TodoWrite":
		return "Planning"
	default:
		return "Using"
	}
}
