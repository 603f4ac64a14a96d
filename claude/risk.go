package claude

import "strings"

// Risk is a presentation hint for a permission prompt. The CLI enforces the
// actual policy.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var riskTable = buildRiskTable()

func buildRiskTable() map[string]Risk {
	table := make(map[string]Risk)
	for _, name := range ComposeTools(ToolSetShell, ToolSetFileWrite) {
		table[strings.ToLower(name)] = RiskHigh
	}
	for _, name := range ComposeTools(ToolSetWeb, ToolSetAgents) {
		table[strings.ToLower(name)] = RiskMedium
	}
	return table
}

// RiskForTool classifies a tool by name, ignoring case. Unknown tools,
// MCP tools included, are low.
func RiskForTool(name string) Risk {
	if r, ok := riskTable[strings.ToLower(strings.TrimSpace(name))]; ok {
		return r
	}
	return RiskLow
}
