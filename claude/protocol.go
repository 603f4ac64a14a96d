package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UserEnvelope is one user turn written to the CLI's stdin.
type UserEnvelope struct {
	Type    string      `json:"type"` // "user"
	Message UserMessage `json:"message"`
}

// UserMessage is the message body of a UserEnvelope.
type UserMessage struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// NewUserEnvelope wraps text as a user turn.
func NewUserEnvelope(text string) UserEnvelope {
	return UserEnvelope{Type: "user", Message: UserMessage{Role: "user", Content: text}}
}

// PermissionResponseEnvelope answers a permission request.
type PermissionResponseEnvelope struct {
	Type      string `json:"type"` // "permission_response"
	ToolUseID string `json:"tool_use_id"`
	Allowed   bool   `json:"allowed"`
}

// NewPermissionResponse builds the answer for toolID.
func NewPermissionResponse(toolID string, allowed bool) PermissionResponseEnvelope {
	return PermissionResponseEnvelope{Type: "permission_response", ToolUseID: toolID, Allowed: allowed}
}

// ControlEnvelope is the out-of-band command escape hatch. Data keys are
// flattened into the top-level object next to type and command.
type ControlEnvelope struct {
	Command string
	Data    map[string]any
}

// MarshalJSON flattens Data. type and command always win over Data keys.
func (c ControlEnvelope) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(c.Data)+2)
	for k, v := range c.Data {
		obj[k] = v
	}
	obj["type"] = "control"
	obj["command"] = c.Command
	return json.Marshal(obj)
}

// EncodeEnvelope serializes v as a single newline-terminated JSON line.
func EncodeEnvelope(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	// encoding/json escapes control characters, so this only guards
	// against a custom marshaler misbehaving.
	if bytes.ContainsAny(data, "\r\n") {
		return nil, fmt.Errorf("failed to encode envelope: embedded newline")
	}
	return append(data, '\n'), nil
}

// Usage is the token accounting attached to assistant and result messages.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// SystemInit is the handshake payload: the session the CLI negotiated and
// what it can do.
type SystemInit struct {
	SessionID         string
	Tools             []string
	Agents            []string
	SlashCommands     []string
	ClaudeCodeVersion string
	Model             string
	Cwd               string
	PermissionMode    string
	Raw               json.RawMessage
}

// ContentBlock is one block of an assistant turn.
type ContentBlock struct {
	Type      string          `json:"type"` // "text", "tool_use", "tool_result", "thinking"
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AssistantMessage is a partial or complete assistant turn.
type AssistantMessage struct {
	ID              string
	Model           string
	Role            string
	Content         []ContentBlock
	Usage           *Usage
	SessionID       string
	ParentToolUseID string // set when the turn comes from a sub-agent
}

// Text concatenates the text blocks.
func (m *AssistantMessage) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks in order.
func (m *AssistantMessage) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// PermissionDenial is one entry of a result's permission_denials list.
type PermissionDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// ResultMessage marks the end of a turn.
type ResultMessage struct {
	Subtype           string // "success", "error", "error_during_execution", ...
	Result            string
	TotalCostUSD      float64
	Usage             *Usage
	SessionID         string
	IsError           bool
	DurationMs        int
	NumTurns          int
	Errors            []string
	PermissionDenials []PermissionDenial
}

// PermissionRequest is a tool waiting for approval. Risk is a display hint
// derived from the tool name; the CLI enforces the actual policy.
type PermissionRequest struct {
	ToolID   string
	ToolName string
	Risk     Risk
	Input    json.RawMessage
}

// ToolUse is announced once per tool_use block of an assistant turn.
type ToolUse struct {
	ID      string
	Name    string
	Input   json.RawMessage
	Summary string // short human-readable hint, e.g. a file name or command
	Verb    string // "Reading", "Running", ...
}

// nameList decodes a list that may hold plain strings or objects with a
// "name" field. Entries of any other shape are skipped.
type nameList []string

func (n *nameList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// A non-list value is treated as absent rather than failing the line.
		*n = nil
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.Name != "" {
			out = append(out, obj.Name)
		}
	}
	*n = out
	return nil
}

// contentList decodes message content given either as a bare string or as
// a list of blocks.
type contentList []ContentBlock

func (c *contentList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = contentList{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// streamMessage is the superset of every inbound shape.
type streamMessage struct {
	Type            string `json:"type"`
	Subtype         string `json:"subtype"`
	SessionID       string `json:"session_id"`
	ParentToolUseID string `json:"parent_tool_use_id"`

	// system/init
	Tools             nameList `json:"tools"`
	Agents            nameList `json:"agents"`
	SlashCommands     nameList `json:"slash_commands"`
	ClaudeCodeVersion string   `json:"claude_code_version"`
	Model             string   `json:"model"`
	Cwd               string   `json:"cwd"`
	PermissionMode    string   `json:"permissionMode"`

	// assistant / user
	Message *struct {
		ID      string      `json:"id"`
		Model   string      `json:"model"`
		Role    string      `json:"role"`
		Content contentList `json:"content"`
		Usage   *Usage      `json:"usage"`
	} `json:"message"`

	// result
	Result            json.RawMessage    `json:"result"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	Usage             *Usage             `json:"usage"`
	IsError           bool               `json:"is_error"`
	DurationMs        int                `json:"duration_ms"`
	NumTurns          int                `json:"num_turns"`
	Errors            []string           `json:"errors"`
	PermissionDenials []PermissionDenial `json:"permission_denials"`

	// permission request
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Input     json.RawMessage `json:"input"`

	// error
	Error json.RawMessage `json:"error"`
}

func (m *streamMessage) isInit() bool {
	return m.Type == "system" && m.Subtype == "init"
}

func (m *streamMessage) isPermissionRequest() bool {
	if m.Type == "permission_request" {
		return true
	}
	return m.ToolUseID != "" && m.ToolName != "" && len(m.ToolInput) > 0
}

func (m *streamMessage) toInit(raw []byte) *SystemInit {
	return &SystemInit{
		SessionID:         m.SessionID,
		Tools:             m.Tools,
		Agents:            m.Agents,
		SlashCommands:     m.SlashCommands,
		ClaudeCodeVersion: m.ClaudeCodeVersion,
		Model:             m.Model,
		Cwd:               m.Cwd,
		PermissionMode:    m.PermissionMode,
		Raw:               json.RawMessage(bytes.Clone(raw)),
	}
}

func (m *streamMessage) toAssistant() *AssistantMessage {
	a := &AssistantMessage{SessionID: m.SessionID, ParentToolUseID: m.ParentToolUseID}
	if m.Message != nil {
		a.ID = m.Message.ID
		a.Model = m.Message.Model
		a.Role = m.Message.Role
		a.Content = m.Message.Content
		a.Usage = m.Message.Usage
	}
	return a
}

func (m *streamMessage) toResult() *ResultMessage {
	return &ResultMessage{
		Subtype:           m.Subtype,
		Result:            rawText(m.Result),
		TotalCostUSD:      m.TotalCostUSD,
		Usage:             m.Usage,
		SessionID:         m.SessionID,
		IsError:           m.IsError,
		DurationMs:        m.DurationMs,
		NumTurns:          m.NumTurns,
		Errors:            m.Errors,
		PermissionDenials: m.PermissionDenials,
	}
}

func (m *streamMessage) toPermissionRequest() *PermissionRequest {
	input := m.ToolInput
	if len(input) == 0 {
		input = m.Input
	}
	return &PermissionRequest{
		ToolID:   m.ToolUseID,
		ToolName: m.ToolName,
		Risk:     RiskForTool(m.ToolName),
		Input:    input,
	}
}

// subprocessError extracts the in-band error, or nil if the line does not
// signal one.
func (m *streamMessage) subprocessError() *SubprocessError {
	isResultError := m.Type == "result" && strings.HasPrefix(m.Subtype, "error")
	if m.Type != "error" && !m.IsError && !isResultError {
		return nil
	}

	e := &SubprocessError{Subtype: m.Subtype}
	if len(m.Error) > 0 {
		var s string
		if err := json.Unmarshal(m.Error, &s); err == nil {
			e.Message = s
		} else {
			var obj struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(m.Error, &obj); err == nil {
				e.Message = obj.Message
				if obj.Type != "" {
					e.Subtype = obj.Type
				}
			} else {
				e.Message = string(m.Error)
			}
		}
	}
	if e.Message == "" {
		e.Message = rawText(m.Result)
	}
	if e.Message == "" && len(m.Errors) > 0 {
		e.Message = strings.Join(m.Errors, "; ")
	}
	if e.Message == "" {
		e.Message = "unknown error"
	}
	return e
}

// rawText returns a JSON string value unquoted, or the raw JSON otherwise.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
