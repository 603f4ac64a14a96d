package claude

// Tool sets group CLI tool names by what they can touch. The risk table and
// the persona allow/deny lists are both built from them.

// ToolSetReadOnly inspects the workspace without changing it.
var ToolSetReadOnly = []string{
	"Read",
	"Glob",
	"Grep",
	"LS",
	"NotebookRead",
	"TodoRead",
}

// ToolSetFileWrite mutates files.
var ToolSetFileWrite = []string{
	"Edit",
	"MultiEdit",
	"Write",
	"NotebookEdit",
}

// ToolSetShell runs arbitrary commands.
var ToolSetShell = []string{
	"Bash",
	"BashOutput",
	"KillShell",
	"KillBash",
}

// ToolSetWeb reaches the network.
var ToolSetWeb = []string{
	"WebFetch",
	"WebSearch",
}

// ToolSetAgents spawns sub-tasks.
var ToolSetAgents = []string{
	"Task",
}

// ToolSetProductivity covers planning helpers.
var ToolSetProductivity = []string{
	"TodoWrite",
	"ExitPlanMode",
}

// ComposeTools merges tool sets into one deduplicated slice. First
// occurrence wins.
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}
