// Package persona defines the named launch profiles a session can switch
// between. Each persona maps onto a claude.LaunchPatch: a permission mode,
// an optional model, and extra CLI flags for the system prompt and tool
// allow/deny lists.
//
// Built-in personas come from Defaults. A personas.yaml file can override
// any of them by name or add new ones:
//
//	personas:
//	  - name: reviewer
//	    description: Code review
//	    permission_mode: plan
//	    system_prompt: You review diffs and point out bugs.
//	    allowed_tools: [Read, Grep, Glob]
package persona

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/qalclaude/qalclaude/claude"
)

// Persona is one launch profile.
type Persona struct {
	Name            string                `yaml:"name"`
	Description     string                `yaml:"description,omitempty"`
	Color           string                `yaml:"color,omitempty"` // hex, used by the status line
	PermissionMode  claude.PermissionMode `yaml:"permission_mode,omitempty"`
	Model           string                `yaml:"model,omitempty"` // empty keeps the current model
	SystemPrompt    string                `yaml:"system_prompt,omitempty"`
	AllowedTools    []string              `yaml:"allowed_tools,omitempty"`
	DisallowedTools []string              `yaml:"disallowed_tools,omitempty"`
}

// file is the on-disk layout of personas.yaml.
type file struct {
	Personas []Persona `yaml:"personas"`
}

// Defaults returns the built-in personas in cycling order.
func Defaults() []Persona {
	return []Persona{
		{
			Name:           "coder",
			Description:    "Full development",
			Color:          "#9ece6a",
			PermissionMode: claude.PermissionModeDefault,
			SystemPrompt:   "You are a skilled software developer. Write clean, efficient code.",
		},
		{
			Name:           "build",
			Description:    "Build specialist",
			Color:          "#7aa2f7",
			PermissionMode: claude.PermissionModeDefault,
			SystemPrompt:   "You are a build and deployment specialist.",
		},
		{
			Name:           "plan",
			Description:    "Read-only planning",
			Color:          "#7dcfff",
			PermissionMode: claude.PermissionModePlan,
			SystemPrompt:   "You are a planning assistant. Analyze and suggest without modifying.",
		},
		{
			Name:           "researcher",
			Description:    "Code exploration",
			Color:          "#2ac3de",
			PermissionMode: claude.PermissionModePlan,
			SystemPrompt:   "You are a code researcher. Explore and explain codebases.",
			AllowedTools:   claude.ComposeTools(claude.ToolSetReadOnly, claude.ToolSetWeb),
		},
		{
			Name:           "architect",
			Description:    "System design",
			Color:          "#bb9af7",
			PermissionMode: claude.PermissionModePlan,
			SystemPrompt:   "You are a system architect. Design systems and document architecture.",
		},
		{
			Name:           "debugger",
			Description:    "Bug fixing",
			Color:          "#e0af68",
			PermissionMode: claude.PermissionModeDefault,
			SystemPrompt:   "You are a debugging specialist. Find and fix bugs.",
		},
		{
			Name:           "yolo",
			Description:    "No restrictions",
			Color:          "#f7768e",
			PermissionMode: claude.PermissionModeBypass,
			SystemPrompt:   "Full access mode. Execute without asking for permissions.",
		},
		{
			Name:           "yolo_extreme",
			Description:    "MAXIMUM CHAOS",
			Color:          "#ff0000",
			PermissionMode: claude.PermissionModeBypass,
			SystemPrompt:   "EXTREME MODE. No limits. No safety. Full send.",
		},
	}
}

// Validate checks that p can be turned into a launch patch.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("persona has empty name")
	}
	if p.PermissionMode != "" && !p.PermissionMode.Valid() {
		return fmt.Errorf("persona %s: unknown permission mode %q", p.Name, p.PermissionMode)
	}
	return nil
}

// Args returns the CLI flags p contributes on top of the streaming flags.
func (p Persona) Args() []string {
	var args []string
	if p.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", p.SystemPrompt)
	}
	if len(p.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(p.AllowedTools, ","))
	}
	if len(p.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(p.DisallowedTools, ","))
	}
	return args
}

// LaunchPatch returns the patch that switches a session to p. The extra
// args are base followed by p's own flags and always replace the previous
// list, so switching away from a persona drops its flags.
func (p Persona) LaunchPatch(base ...string) claude.LaunchPatch {
	mode := p.PermissionMode
	if mode == "" {
		mode = claude.PermissionModeDefault
	}
	patch := claude.LaunchPatch{
		PermissionMode: claude.ModePtr(mode),
		ExtraArgs:      append(slices.Clone(base), p.Args()...),
	}
	if patch.ExtraArgs == nil {
		patch.ExtraArgs = []string{}
	}
	if p.Model != "" {
		patch.Model = claude.StringPtr(p.Model)
	}
	return patch
}

// Load reads personas from a YAML file and layers them over Defaults. An
// entry whose name matches a default overrides that default's non-empty
// fields; other entries are appended in file order. A missing file yields
// the defaults.
func Load(path string) ([]Persona, error) {
	personas := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return personas, nil
	}
	if err != nil {
		return nil, err
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for _, p := range f.Personas {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		i := slices.IndexFunc(personas, func(d Persona) bool { return d.Name == p.Name })
		if i < 0 {
			personas = append(personas, p)
			continue
		}
		personas[i] = overlay(personas[i], p)
	}
	return personas, nil
}

// overlay copies the non-empty fields of o onto p.
func overlay(p, o Persona) Persona {
	if o.Description != "" {
		p.Description = o.Description
	}
	if o.Color != "" {
		p.Color = o.Color
	}
	if o.PermissionMode != "" {
		p.PermissionMode = o.PermissionMode
	}
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.SystemPrompt != "" {
		p.SystemPrompt = o.SystemPrompt
	}
	if o.AllowedTools != nil {
		p.AllowedTools = slices.Clone(o.AllowedTools)
	}
	if o.DisallowedTools != nil {
		p.DisallowedTools = slices.Clone(o.DisallowedTools)
	}
	return p
}
