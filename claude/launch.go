package claude

import (
	"fmt"
	"os"
	"slices"
)

// PermissionMode controls how much the CLI asks before acting. Exactly one
// mode is active per process; changing it means respawning.
type PermissionMode string

const (
	// PermissionModeDefault asks for each risky action.
	PermissionModeDefault PermissionMode = "default"
	// PermissionModePlan is read-only; no mutating actions run.
	PermissionModePlan PermissionMode = "plan"
	// PermissionModeAcceptEdits auto-approves file edits and asks for the rest.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModeBypass skips essentially every check.
	PermissionModeBypass PermissionMode = "bypassPermissions"
)

// PermissionModes lists every valid mode in display order.
var PermissionModes = []PermissionMode{
	PermissionModeDefault,
	PermissionModePlan,
	PermissionModeAcceptEdits,
	PermissionModeBypass,
}

// Valid reports whether m is one of the known modes.
func (m PermissionMode) Valid() bool {
	return slices.Contains(PermissionModes, m)
}

// ParsePermissionMode validates s. An empty string maps to the default mode.
func ParsePermissionMode(s string) (PermissionMode, error) {
	if s == "" {
		return PermissionModeDefault, nil
	}
	m := PermissionMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown permission mode %q (want one of %v)", s, PermissionModes)
	}
	return m, nil
}

const (
	// DefaultBinary is the assistant CLI executable looked up on PATH.
	DefaultBinary = "claude"
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-opus-4-5-20251101"
)

// LaunchConfig is the immutable configuration of one connection attempt.
// Reconnect replaces it wholesale with a merged copy.
type LaunchConfig struct {
	Binary         string
	Model          string
	PermissionMode PermissionMode
	WorkingDir     string
	ExtraArgs      []string // appended to the command line verbatim
}

// DefaultLaunchConfig returns the defaults, rooted at the current directory.
func DefaultLaunchConfig() LaunchConfig {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return LaunchConfig{
		Binary:         DefaultBinary,
		Model:          DefaultModel,
		PermissionMode: PermissionModeDefault,
		WorkingDir:     wd,
	}
}

// Validate checks the fields a spawn depends on.
func (c LaunchConfig) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("launch config: empty binary")
	}
	if c.PermissionMode != "" && !c.PermissionMode.Valid() {
		return fmt.Errorf("launch config: unknown permission mode %q", c.PermissionMode)
	}
	return nil
}

// Clone returns a deep copy.
func (c LaunchConfig) Clone() LaunchConfig {
	c.ExtraArgs = slices.Clone(c.ExtraArgs)
	return c
}

// LaunchPatch is a shallow partial update of a LaunchConfig. Nil fields
// keep their prior value. A non-nil ExtraArgs, even an empty one, replaces
// the previous list.
type LaunchPatch struct {
	Binary         *string
	Model          *string
	PermissionMode *PermissionMode
	WorkingDir     *string
	ExtraArgs      []string
}

// Merge applies p on top of c and returns the result. c is not modified.
func (c LaunchConfig) Merge(p LaunchPatch) LaunchConfig {
	out := c.Clone()
	if p.Binary != nil {
		out.Binary = *p.Binary
	}
	if p.Model != nil {
		out.Model = *p.Model
	}
	if p.PermissionMode != nil {
		out.PermissionMode = *p.PermissionMode
	}
	if p.WorkingDir != nil {
		out.WorkingDir = *p.WorkingDir
	}
	if p.ExtraArgs != nil {
		out.ExtraArgs = slices.Clone(p.ExtraArgs)
	}
	return out
}

// BuildCommandArgs builds the CLI argument vector. The order is fixed:
// streaming flags, model, permission mode (omitted for the default mode),
// then the extra arguments.
func BuildCommandArgs(c LaunchConfig) []string {
	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.PermissionMode != "" && c.PermissionMode != PermissionModeDefault {
		args = append(args, "--permission-mode", string(c.PermissionMode))
	}
	return append(args, c.ExtraArgs...)
}

// StringPtr is a helper for building a LaunchPatch inline.
func StringPtr(s string) *string { return &s }

// ModePtr is a helper for building a LaunchPatch inline.
func ModePtr(m PermissionMode) *PermissionMode { return &m }
